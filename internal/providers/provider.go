// Package providers implements the upstream LLM provider adapters: one file
// per provider (Anthropic, OpenAI, Azure OpenAI, Bedrock, Gemini, Groq, XAI,
// Mistral, Fireworks), all satisfying the Provider contract below. Adapters
// convert between the gateway's domain.Message representation and each
// upstream's wire format, and stream raw Chunks up to internal/streaming for
// aggregation into a domain.AgentOutput.
package providers

import (
	"context"
	"time"

	"github.com/nexushq/gateway/internal/domain"
)

// Request is the provider-agnostic completion request built by the Runner
// from a resolved Version + AgentInput.
type Request struct {
	Model                string
	System               string
	Messages             []domain.Message
	Tools                []domain.ToolDefinition
	ToolChoice           *domain.ToolChoice
	MaxOutputTokens      int
	Temperature          float64
	TopP                 float64
	Stream               bool
	EnableThinking       bool
	ThinkingBudgetTokens int
	ResponseSchema       *domain.ResponseFormat
}

// ChunkKind discriminates the payload carried by a Chunk.
type ChunkKind string

const (
	ChunkText           ChunkKind = "text"
	ChunkReasoning      ChunkKind = "reasoning"
	ChunkToolCallDelta  ChunkKind = "tool_call_delta"
	ChunkToolCallDone   ChunkKind = "tool_call_done"
	ChunkUsage          ChunkKind = "usage"
	ChunkDone           ChunkKind = "done"
)

// FinishReason mirrors spec §4.2's generation-stop taxonomy.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishMaxTokens     FinishReason = "max_tokens"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// ToolCallDelta carries an incremental or complete tool-call argument chunk.
// Providers that only emit whole tool calls (no incremental JSON) send the full
// arguments string as one ChunkToolCallDelta followed by a ChunkToolCallDone;
// the aggregator ignores ArgumentsDelta on a ChunkToolCallDone.
type ToolCallDelta struct {
	Index          int
	ID             string
	ToolName       string
	ArgumentsDelta string
}

// Chunk is a single unit of a provider's streaming response. Kind selects
// which payload fields are populated; a ChunkUsage may also carry Finish, and
// a ChunkDone carries Finish and/or Err.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	Reasoning  string
	ToolCall   *ToolCallDelta
	Usage      *domain.LLMUsage
	Finish     FinishReason
	Err        error
}

// Provider is the contract every upstream adapter satisfies.
type Provider interface {
	// Name returns the stable lowercase provider identifier used in routing,
	// telemetry, and Version.Provider pins.
	Name() string

	// Complete streams chunks for req. The returned channel is closed when
	// the stream ends (successfully or on error); a terminal error is sent
	// as a Chunk{Kind: ChunkDone, Err: ...} before the channel closes.
	Complete(ctx context.Context, req *Request) (<-chan Chunk, error)

	// SupportsModel reports whether this adapter can serve model.
	SupportsModel(model string) bool
}

// Config bundles the common constructor knobs shared by every adapter.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}
