package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/nexushq/gateway/internal/domain"
)

// maxEmptyStreamEvents bounds consecutive no-op SSE events before a stream is
// treated as malformed and aborted.
const maxEmptyStreamEvents = 300

// AnthropicProvider adapts Anthropic's Messages API to the Provider contract.
type AnthropicProvider struct {
	base         BaseProvider
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider builds an Anthropic adapter. APIKey is required.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	cfg = cfg.withDefaults()
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		base:         NewBaseProvider("anthropic", cfg.MaxRetries, cfg.RetryDelay),
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return p.base.Name() }

// SupportsModel matches any "claude-" prefixed model id.
func (p *AnthropicProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

func (p *AnthropicProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if req == nil {
		return nil, errors.New("anthropic: nil request")
	}
	out := make(chan Chunk)

	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.base.Retry(ctx, func(err error) bool {
			pe := NewProviderError("anthropic", p.model(req), err)
			return pe.Kind.IsRetryable()
		}, func() error {
			s, createErr := p.createStream(ctx, req)
			if createErr != nil {
				return createErr
			}
			stream = s
			return nil
		})
		if err != nil {
			out <- Chunk{Kind: ChunkDone, Err: NewProviderError("anthropic", p.model(req), err)}
			return
		}

		p.processStream(stream, out, p.model(req))
	}()

	return out, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

func (p *AnthropicProvider) convertMessages(msgs []domain.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue // system prompt travels separately
		}
		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range m.Content {
			switch part.Kind {
			case domain.ContentText:
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			case domain.ContentToolCallRequest:
				var args any
				if err := json.Unmarshal(part.ToolCallRequest.Arguments, &args); err != nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCallRequest.ID, args, part.ToolCallRequest.ToolName))
			case domain.ContentToolCallResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(part.ToolCallResult.ID, part.ToolCallResult.Output, part.ToolCallResult.IsError))
			case domain.ContentFile:
				if part.File != nil && strings.HasPrefix(part.File.ContentType, "image/") {
					blocks = append(blocks, anthropic.NewImageBlockBase64(part.File.ContentType, part.File.Data))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == domain.RoleUser {
			out = append(out, anthropic.NewUserMessage(blocks...))
		} else {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return out, nil
}

func (p *AnthropicProvider) convertTools(tools []domain.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %q: %w", t.Name, err)
			}
		}
		out = append(out, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
		}, t.Name))
	}
	return out, nil
}

// processStream folds Anthropic's SSE events into Chunks. Tool call input
// arrives as successive input_json_delta fragments; each is forwarded as a
// ChunkToolCallDelta so the streaming aggregator can buffer partial JSON
// itself rather than assume any single fragment parses on its own.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- Chunk, model string) {
	var usage domain.LLMUsage
	var toolIndex int
	var currentToolID, currentToolName string
	inThinking := false
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		handled := true

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.PromptTokens = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
			case "tool_use":
				tu := block.AsToolUse()
				currentToolID, currentToolName = tu.ID, tu.Name
			default:
				handled = false
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Chunk{Kind: ChunkText, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- Chunk{Kind: ChunkReasoning, Reasoning: delta.Thinking}
				}
			case "input_json_delta":
				out <- Chunk{Kind: ChunkToolCallDelta, ToolCall: &ToolCallDelta{
					Index: toolIndex, ID: currentToolID, ToolName: currentToolName,
					ArgumentsDelta: delta.PartialJSON,
				}}
			default:
				handled = false
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
			} else if currentToolID != "" {
				out <- Chunk{Kind: ChunkToolCallDone, ToolCall: &ToolCallDelta{Index: toolIndex, ID: currentToolID, ToolName: currentToolName}}
				currentToolID, currentToolName = "", ""
				toolIndex++
			}

		case "message_delta":
			md := event.AsMessageDelta()
			usage.CompletionTokens = int(md.Usage.OutputTokens)
			if string(md.Delta.StopReason) == "max_tokens" {
				out <- Chunk{Kind: ChunkUsage, Usage: &usage, Finish: FinishMaxTokens}
			}

		case "message_stop":
			out <- Chunk{Kind: ChunkUsage, Usage: &usage, Finish: FinishStop}
			out <- Chunk{Kind: ChunkDone}
			return

		case "error":
			out <- Chunk{Kind: ChunkDone, Err: NewProviderError("anthropic", model, errors.New("anthropic stream error"))}
			return

		default:
			handled = false
		}

		if handled {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				out <- Chunk{Kind: ChunkDone, Err: NewProviderError("anthropic", model, fmt.Errorf("stream malformed: %d consecutive empty events", emptyEvents))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		out <- Chunk{Kind: ChunkDone, Err: NewProviderError("anthropic", model, err)}
	}
}
