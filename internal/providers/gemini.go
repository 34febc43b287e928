package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nexushq/gateway/internal/domain"
	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
}

// GeminiProvider adapts Google's Gemini API via the google.golang.org/genai
// SDK. Gemini's streaming iterator (iter.Seq2) only yields whole function
// calls, not incremental argument JSON, so tool calls are forwarded as a
// single ChunkToolCallDelta immediately followed by ChunkToolCallDone.
type GeminiProvider struct {
	base         BaseProvider
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider builds a Gemini adapter. APIKey is required.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey("gemini")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{
		base:         NewBaseProvider("gemini", cfg.MaxRetries, 0),
		client:       client,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *GeminiProvider) Name() string { return p.base.Name() }

func (p *GeminiProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gemini-")
}

func (p *GeminiProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if req == nil {
		return nil, errors.New("gemini: nil request")
	}
	model := p.model(req)

	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("gemini: convert messages: %w", err)
	}
	config := p.buildConfig(req)

	out := make(chan Chunk)
	go func() {
		defer close(out)

		err := p.base.Retry(ctx, func(err error) bool {
			return NewProviderError("gemini", model, err).Kind.IsRetryable()
		}, func() error {
			return p.processStream(ctx, p.client.Models.GenerateContentStream(ctx, model, contents, config), out)
		})
		if err != nil {
			out <- Chunk{Kind: ChunkDone, Err: NewProviderError("gemini", model, err)}
			return
		}
	}()
	return out, nil
}

func (p *GeminiProvider) processStream(ctx context.Context, iterSeq func(func(*genai.GenerateContentResponse, error) bool), out chan<- Chunk) error {
	var finish FinishReason = FinishStop
	var sawAny bool

	for resp, err := range iterSeq {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		sawAny = true
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			if candidate.FinishReason == genai.FinishReasonMaxTokens {
				finish = FinishMaxTokens
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out <- Chunk{Kind: ChunkText, Text: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					id := uuid.NewString()
					delta := &ToolCallDelta{ID: id, ToolName: part.FunctionCall.Name, ArgumentsDelta: string(argsJSON)}
					out <- Chunk{Kind: ChunkToolCallDelta, ToolCall: delta}
					out <- Chunk{Kind: ChunkToolCallDone, ToolCall: &ToolCallDelta{ID: id, ToolName: part.FunctionCall.Name}}
					finish = FinishToolCalls
				}
			}
		}
		if resp.UsageMetadata != nil {
			out <- Chunk{Kind: ChunkUsage, Usage: &domain.LLMUsage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}}
		}
	}
	if sawAny {
		out <- Chunk{Kind: ChunkDone, Finish: finish}
	} else {
		out <- Chunk{Kind: ChunkDone, Finish: finish}
	}
	return nil
}

func (p *GeminiProvider) convertMessages(messages []domain.Message) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == domain.RoleSystem {
			continue
		}
		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		content := &genai.Content{Role: role}
		for _, part := range msg.Content {
			switch part.Kind {
			case domain.ContentText:
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
			case domain.ContentToolCallRequest:
				var args map[string]any
				_ = json.Unmarshal(part.ToolCallRequest.Arguments, &args)
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					Name: part.ToolCallRequest.ToolName, Args: args,
				}})
			case domain.ContentToolCallResult:
				content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					Name:     part.ToolCallResult.ID,
					Response: map[string]any{"output": part.ToolCallResult.Output},
				}})
			case domain.ContentFile:
				if part.File != nil && strings.HasPrefix(part.File.ContentType, "image/") {
					content.Parts = append(content.Parts, &genai.Part{InlineData: &genai.Blob{
						MIMEType: part.File.ContentType,
						Data:     []byte(part.File.Data),
					}})
				}
			}
		}
		if len(content.Parts) == 0 {
			continue
		}
		result = append(result, content)
	}
	return result, nil
}

func (p *GeminiProvider) convertTools(tools []domain.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema *genai.Schema
		if len(t.Schema) > 0 {
			var raw map[string]any
			if err := json.Unmarshal(t.Schema, &raw); err == nil {
				schema = genaiSchemaFromJSONSchema(raw)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name: t.Name, Description: t.Description, Parameters: schema,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// genaiSchemaFromJSONSchema does a shallow best-effort conversion of a JSON
// Schema object into genai.Schema; nested $ref/oneOf constructs are not
// supported since Gemini's function-calling schema is itself a JSON-Schema
// subset.
func genaiSchemaFromJSONSchema(raw map[string]any) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject}
	if props, ok := raw["properties"].(map[string]any); ok {
		s.Properties = map[string]*genai.Schema{}
		for name, v := range props {
			if m, ok := v.(map[string]any); ok {
				s.Properties[name] = &genai.Schema{Description: fmt.Sprint(m["description"])}
			}
		}
	}
	return s
}

func (p *GeminiProvider) buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if len(req.Tools) > 0 {
		cfg.Tools = p.convertTools(req.Tools)
	}
	return cfg
}
