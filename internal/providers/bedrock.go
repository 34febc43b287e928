package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/nexushq/gateway/internal/domain"
)

// BedrockConfig configures the AWS Bedrock adapter. Leaving AccessKeyID empty
// falls back to the default AWS credential chain (env, IAM role, profile).
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      int // seconds
}

// BedrockProvider adapts AWS Bedrock's Converse/ConverseStream API, which
// fronts Anthropic, Titan, Llama, Mistral, and Cohere models behind one
// wire format.
type BedrockProvider struct {
	base         BaseProvider
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockProvider builds a Bedrock adapter from AWS config.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockProvider{
		base:         NewBaseProvider("bedrock", cfg.MaxRetries, time.Duration(cfg.RetryDelay)*time.Second),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *BedrockProvider) Name() string { return p.base.Name() }

// SupportsModel matches Bedrock's vendor-prefixed model id scheme
// (anthropic.*, amazon.*, meta.*, mistral.*, cohere.*).
func (p *BedrockProvider) SupportsModel(model string) bool {
	for _, prefix := range []string{"anthropic.", "amazon.", "meta.", "mistral.", "cohere."} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (p *BedrockProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *BedrockProvider) Complete(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if req == nil {
		return nil, errors.New("bedrock: nil request")
	}
	model := p.model(req)

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: convert messages: %w", err)
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxOutputTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxOutputTokens))}
	}
	if len(req.Tools) > 0 {
		converseReq.ToolConfig = p.convertTools(req.Tools)
	}

	var stream *bedrockruntime.ConverseStreamOutput
	err = p.base.Retry(ctx, func(err error) bool {
		return NewProviderError("bedrock", model, err).Kind.IsRetryable()
	}, func() error {
		s, callErr := p.client.ConverseStream(ctx, converseReq)
		if callErr != nil {
			return callErr
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, NewProviderError("bedrock", model, err)
	}

	out := make(chan Chunk)
	go p.processStream(ctx, stream, out, model)
	return out, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- Chunk, model string) {
	defer close(out)
	events := stream.GetStream()
	defer events.Close()

	var toolIndex int
	var currentToolID, currentToolName string

	for {
		select {
		case <-ctx.Done():
			out <- Chunk{Kind: ChunkDone, Err: ctx.Err()}
			return
		case event, ok := <-events.Events():
			if !ok {
				if err := events.Err(); err != nil {
					out <- Chunk{Kind: ChunkDone, Err: NewProviderError("bedrock", model, err)}
				} else {
					out <- Chunk{Kind: ChunkDone}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolID = aws.ToString(toolUse.Value.ToolUseId)
					currentToolName = aws.ToString(toolUse.Value.Name)
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						out <- Chunk{Kind: ChunkText, Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						out <- Chunk{Kind: ChunkToolCallDelta, ToolCall: &ToolCallDelta{
							Index: toolIndex, ID: currentToolID, ToolName: currentToolName,
							ArgumentsDelta: *delta.Value.Input,
						}}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentToolID != "" {
					out <- Chunk{Kind: ChunkToolCallDone, ToolCall: &ToolCallDelta{Index: toolIndex, ID: currentToolID, ToolName: currentToolName}}
					currentToolID, currentToolName = "", ""
					toolIndex++
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				finish := FinishStop
				if ev.Value.StopReason == types.StopReasonMaxTokens {
					finish = FinishMaxTokens
				} else if ev.Value.StopReason == types.StopReasonToolUse {
					finish = FinishToolCalls
				}
				out <- Chunk{Kind: ChunkDone, Finish: finish}
				return

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					out <- Chunk{Kind: ChunkUsage, Usage: &domain.LLMUsage{
						PromptTokens:     int(aws.ToInt32(ev.Value.Usage.InputTokens)),
						CompletionTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
					}}
				}
			}
		}
	}
}

func (p *BedrockProvider) convertMessages(msgs []domain.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		var blocks []types.ContentBlock
		for _, part := range m.Content {
			switch part.Kind {
			case domain.ContentText:
				blocks = append(blocks, &types.ContentBlockMemberText{Value: part.Text})
			case domain.ContentToolCallRequest:
				var args document.Interface
				var raw any
				if err := json.Unmarshal(part.ToolCallRequest.Arguments, &raw); err == nil {
					args = document.NewLazyDocument(raw)
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(part.ToolCallRequest.ID),
					Name:      aws.String(part.ToolCallRequest.ToolName),
					Input:     args,
				}})
			case domain.ContentToolCallResult:
				blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(part.ToolCallResult.ID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: part.ToolCallResult.Output}},
				}})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func (p *BedrockProvider) convertTools(tools []domain.ToolDefinition) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema any
		if len(t.Schema) > 0 {
			_ = json.Unmarshal(t.Schema, &schema)
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: types.ToolSpec{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	return &types.ToolConfiguration{Tools: specs}
}
