package domain

// TraceKind discriminates the Trace tagged union.
type TraceKind string

const (
	TraceLLM  TraceKind = "llm"
	TraceTool TraceKind = "tool"
)

// LLMUsage holds token accounting and per-stage cost for one provider call.
type LLMUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	CachedTokens     int `json:"cached_tokens,omitempty"`

	PromptCostUSD     float64 `json:"prompt_cost_usd,omitempty"`
	CompletionCostUSD float64 `json:"completion_cost_usd,omitempty"`
	ReasoningCostUSD  float64 `json:"reasoning_cost_usd,omitempty"`
	CachedCostUSD     float64 `json:"cached_cost_usd,omitempty"`
}

// Apply additively folds delta into u, as required for streaming usage
// accumulation (spec §4.3).
func (u *LLMUsage) Apply(delta LLMUsage) {
	u.PromptTokens += delta.PromptTokens
	u.CompletionTokens += delta.CompletionTokens
	u.ReasoningTokens += delta.ReasoningTokens
	u.CachedTokens += delta.CachedTokens
	u.PromptCostUSD += delta.PromptCostUSD
	u.CompletionCostUSD += delta.CompletionCostUSD
	u.ReasoningCostUSD += delta.ReasoningCostUSD
	u.CachedCostUSD += delta.CachedCostUSD
}

// TotalCostUSD sums every cost component.
func (u LLMUsage) TotalCostUSD() float64 {
	return u.PromptCostUSD + u.CompletionCostUSD + u.ReasoningCostUSD + u.CachedCostUSD
}

// ModelPricing is the per-token price table used to cost a LLMUsage.
type ModelPricing struct {
	PromptPerToken     float64
	CompletionPerToken float64
	ReasoningPerToken  float64
	CachedPerToken     float64
}

// ComputeCost prices usage using the given model pricing, mutating the
// per-stage *CostUSD fields and returning the total.
func (u *LLMUsage) ComputeCost(pricing ModelPricing) float64 {
	u.PromptCostUSD = float64(u.PromptTokens) * pricing.PromptPerToken
	u.CompletionCostUSD = float64(u.CompletionTokens) * pricing.CompletionPerToken
	u.ReasoningCostUSD = float64(u.ReasoningTokens) * pricing.ReasoningPerToken
	u.CachedCostUSD = float64(u.CachedTokens) * pricing.CachedPerToken
	return u.TotalCostUSD()
}

// Trace is a tagged union over LLMTrace and ToolTrace: exactly one of the
// two pointer fields is set.
type Trace struct {
	Kind TraceKind  `json:"kind"`
	LLM  *LLMTrace  `json:"llm,omitempty"`
	Tool *ToolTrace `json:"tool,omitempty"`
}

// LLMTrace records one provider call attempt.
type LLMTrace struct {
	Model           string   `json:"model"`
	Provider        string   `json:"provider"`
	Usage           LLMUsage `json:"usage"`
	DurationSeconds float64  `json:"duration_seconds"`
	CostUSD         float64  `json:"cost_usd"`
}

// ToolTrace records one tool invocation within a completion.
type ToolTrace struct {
	Name              string  `json:"name"`
	ToolInputPreview  string  `json:"tool_input_preview"`
	ToolOutputPreview string  `json:"tool_output_preview"`
	DurationSeconds   float64 `json:"duration_seconds"`
	CostUSD           float64 `json:"cost_usd"`
}

func NewLLMTrace(t LLMTrace) Trace {
	return Trace{Kind: TraceLLM, LLM: &t}
}

func NewToolTrace(t ToolTrace) Trace {
	return Trace{Kind: TraceTool, Tool: &t}
}
