package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nexushq/gateway/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

// openAICompatProvider is the shared implementation behind every adapter that
// speaks the OpenAI chat-completions wire format: OpenAI itself, Azure OpenAI,
// Groq, XAI, and Mistral all reuse this with a different base URL / auth
// scheme and SupportsModel predicate (mirroring the teacher's azure.go,
// openrouter.go, copilot_proxy.go, each of which is a thin rebase of the same
// sashabaranov/go-openai client).
type openAICompatProvider struct {
	base         BaseProvider
	client       *openai.Client
	defaultModel string
	supports     func(model string) bool
}

func newOpenAICompatProvider(name string, cfg Config, clientCfg openai.ClientConfig, supports func(string) bool) *openAICompatProvider {
	cfg = cfg.withDefaults()
	return &openAICompatProvider{
		base:         NewBaseProvider(name, cfg.MaxRetries, cfg.RetryDelay),
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		supports:     supports,
	}
}

func (p *openAICompatProvider) Name() string                    { return p.base.Name() }
func (p *openAICompatProvider) SupportsModel(model string) bool { return p.supports(model) }

func (p *openAICompatProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *openAICompatProvider) Complete(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if req == nil {
		return nil, errors.New(p.base.Name() + ": nil request")
	}

	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("%s: convert messages: %w", p.base.Name(), err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req),
		Messages: messages,
		Stream:   true,
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.TopP > 0 {
		chatReq.TopP = float32(req.TopP)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}
	if req.ToolChoice != nil {
		chatReq.ToolChoice = p.convertToolChoice(req.ToolChoice)
	}
	if req.ResponseSchema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.ResponseSchema.Name,
				Schema: json.RawMessage(req.ResponseSchema.Schema),
				Strict: req.ResponseSchema.Strict,
			},
		}
	}

	out := make(chan Chunk)
	var stream *openai.ChatCompletionStream
	err = p.base.Retry(ctx, func(err error) bool {
		return NewProviderError(p.base.Name(), p.model(req), err).Kind.IsRetryable()
	}, func() error {
		s, createErr := p.client.CreateChatCompletionStream(ctx, chatReq)
		if createErr != nil {
			return createErr
		}
		stream = s
		return nil
	})
	if err != nil {
		close(out)
		return nil, NewProviderError(p.base.Name(), p.model(req), err)
	}

	go p.processStream(ctx, stream, out, p.model(req))
	return out, nil
}

func (p *openAICompatProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk, model string) {
	defer close(out)
	defer stream.Close()

	names := map[int]string{}

	for {
		select {
		case <-ctx.Done():
			out <- Chunk{Kind: ChunkDone, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				out <- Chunk{Kind: ChunkDone}
				return
			}
			out <- Chunk{Kind: ChunkDone, Err: NewProviderError(p.base.Name(), model, err)}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			out <- Chunk{Kind: ChunkText, Text: delta.Content}
		}
		if delta.ReasoningContent != "" {
			out <- Chunk{Kind: ChunkReasoning, Reasoning: delta.ReasoningContent}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if tc.ID != "" || tc.Function.Name != "" {
				if tc.Function.Name != "" {
					names[idx] = tc.Function.Name
				}
			}
			out <- Chunk{Kind: ChunkToolCallDelta, ToolCall: &ToolCallDelta{
				Index: idx, ID: tc.ID, ToolName: names[idx], ArgumentsDelta: tc.Function.Arguments,
			}}
		}

		if resp.Usage != nil {
			out <- Chunk{Kind: ChunkUsage, Usage: &domain.LLMUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			for idx, name := range names {
				out <- Chunk{Kind: ChunkToolCallDone, ToolCall: &ToolCallDelta{Index: idx, ToolName: name}}
			}
			out <- Chunk{Kind: ChunkDone, Finish: FinishToolCalls}
			return
		case openai.FinishReasonLength:
			out <- Chunk{Kind: ChunkDone, Finish: FinishMaxTokens}
			return
		case openai.FinishReasonContentFilter:
			out <- Chunk{Kind: ChunkDone, Finish: FinishContentFilter}
			return
		case openai.FinishReasonStop:
			out <- Chunk{Kind: ChunkDone, Finish: FinishStop}
			return
		}
	}
}

func (p *openAICompatProvider) convertMessages(messages []domain.Message, system string) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		msg := openai.ChatCompletionMessage{Role: role}
		var toolResults []domain.ContentPart
		for _, part := range m.Content {
			switch part.Kind {
			case domain.ContentText:
				msg.Content += part.Text
			case domain.ContentToolCallRequest:
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   part.ToolCallRequest.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      part.ToolCallRequest.ToolName,
						Arguments: string(part.ToolCallRequest.Arguments),
					},
				})
			case domain.ContentToolCallResult:
				toolResults = append(toolResults, part)
			case domain.ContentFile:
				if part.File != nil && strings.HasPrefix(part.File.ContentType, "image/") {
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: part.File.URL},
					})
				}
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 || len(msg.MultiContent) > 0 {
			out = append(out, msg)
		}
		for _, tr := range toolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: tr.ToolCallResult.ID,
				Content:    tr.ToolCallResult.Output,
			})
		}
	}
	return out, nil
}

func (p *openAICompatProvider) convertTools(tools []domain.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Schema) > 0 {
			_ = json.Unmarshal(t.Schema, &schema)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func (p *openAICompatProvider) convertToolChoice(choice *domain.ToolChoice) any {
	switch choice.Mode {
	case "none":
		return "none"
	case "required":
		return "required"
	case "named":
		return openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: choice.Name}}
	default:
		return "auto"
	}
}
