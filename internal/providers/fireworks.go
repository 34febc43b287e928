package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexushq/gateway/internal/domain"
	"github.com/nexushq/gateway/internal/streaming"
)

const fireworksBaseURL = "https://api.fireworks.ai/inference/v1"

// FireworksProvider adapts Fireworks AI's OpenAI-compatible chat-completions
// endpoint via raw HTTP+SSE rather than the go-openai client, because several
// open-weight reasoning models Fireworks hosts (DeepSeek-R1 distillations)
// emit reasoning inline as `<think>...</think>` tags in the text stream
// instead of a separate delta field. streaming.TagSplitter
// (internal/streaming/thinktag.go) demuxes that.
type FireworksProvider struct {
	client       *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
}

// FireworksConfig configures the Fireworks adapter.
type FireworksConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// NewFireworksProvider builds a Fireworks adapter. APIKey is required.
func NewFireworksProvider(cfg FireworksConfig) (*FireworksProvider, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey("fireworks")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fireworksBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "accounts/fireworks/models/deepseek-r1"
	}
	return &FireworksProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *FireworksProvider) Name() string { return "fireworks" }

func (p *FireworksProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "accounts/fireworks/")
}

func (p *FireworksProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

type fireworksChatRequest struct {
	Model    string                 `json:"model"`
	Messages []fireworksChatMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
	MaxTokens int                   `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
}

type fireworksChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type fireworksStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *FireworksProvider) Complete(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if req == nil {
		return nil, errors.New("fireworks: nil request")
	}
	model := p.model(req)

	messages := make([]fireworksChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, fireworksChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, fireworksChatMessage{Role: string(m.Role), Content: m.Text()})
	}

	payload := fireworksChatRequest{Model: model, Messages: messages, Stream: true, MaxTokens: req.MaxOutputTokens, Temperature: req.Temperature}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("fireworks: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("fireworks", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("fireworks", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewProviderError("fireworks", model, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	out := make(chan Chunk)
	go p.streamResponse(ctx, resp.Body, out, model)
	return out, nil
}

func (p *FireworksProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- Chunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	splitter := streaming.NewTagSplitter("<think>", "</think>")
	var usage domain.LLMUsage
	finish := FinishStop

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- Chunk{Kind: ChunkDone, Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk fireworksStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			out <- Chunk{Kind: ChunkDone, Err: NewProviderError("fireworks", model, fmt.Errorf("decode chunk: %w", err))}
			return
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				for _, piece := range splitter.Feed(choice.Delta.Content) {
					if piece.IsReasoning {
						out <- Chunk{Kind: ChunkReasoning, Reasoning: piece.Text}
					} else {
						out <- Chunk{Kind: ChunkText, Text: piece.Text}
					}
				}
			}
			switch choice.FinishReason {
			case "length":
				finish = FinishMaxTokens
			case "stop":
				finish = FinishStop
			}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- Chunk{Kind: ChunkDone, Err: NewProviderError("fireworks", model, err)}
		return
	}
	out <- Chunk{Kind: ChunkUsage, Usage: &usage, Finish: finish}
	out <- Chunk{Kind: ChunkDone, Finish: finish}
}
