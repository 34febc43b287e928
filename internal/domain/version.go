package domain

// ToolChoice mirrors the OpenAI-style tool_choice union: "auto", "none",
// "required", or a forced call to a specific named tool.
type ToolChoice struct {
	Mode string `json:"mode,omitempty"` // auto | none | required | named
	Name string `json:"name,omitempty"`
}

// ToolDefinition describes one callable tool available to a Version.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schema      []byte `json:"schema,omitempty"`
}

// ResponseFormat carries a Version's OutputSchema in the shape providers'
// native structured-output APIs expect (OpenAI json_schema, Gemini
// responseSchema, Anthropic tool-forced JSON).
type ResponseFormat struct {
	Name   string
	Schema []byte
	Strict bool
}

// Version is the full, content-addressed prompt configuration for a
// completion: model, provider pin, prompt template, and generation
// parameters. Two Versions with identical content (every field besides ID,
// UseFallback and UseCache) always produce the same ID (spec §8.1).
type Version struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Provider string `json:"provider,omitempty"`

	Prompt []Message `json:"prompt"`

	Temperature        *float64 `json:"temperature,omitempty"`
	TopP               *float64 `json:"top_p,omitempty"`
	MaxOutputTokens    *int     `json:"max_output_tokens,omitempty"`
	PresencePenalty    *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty   *float64 `json:"frequency_penalty,omitempty"`
	ToolChoice         *ToolChoice       `json:"tool_choice,omitempty"`
	Tools              []ToolDefinition  `json:"tools,omitempty"`
	EnabledTools       []string          `json:"enabled_tools,omitempty"`
	InputVariablesSchema []byte          `json:"input_variables_schema,omitempty"`
	OutputSchema       []byte            `json:"output_schema,omitempty"`
	ReasoningEffort    string            `json:"reasoning_effort,omitempty"`
	ReasoningBudget    *int              `json:"reasoning_budget,omitempty"`
	ParallelToolCalls  *bool             `json:"parallel_tool_calls,omitempty"`
	UseStructuredGeneration bool         `json:"use_structured_generation,omitempty"`

	// UseFallback controls the Runner's fallback policy: "never", "auto", or
	// a comma-free list of explicit model ids (spec §4.4).
	UseFallback []string `json:"use_fallback,omitempty"`
	// UseCache: "never" | "auto" | "always" (spec §4.4).
	UseCache string `json:"use_cache,omitempty"`
}

// versionContentForHash is the subset of Version whose JSON form determines
// the content-address ID: every field except ID, UseFallback and UseCache.
type versionContentForHash struct {
	Model                   string           `json:"model"`
	Provider                string           `json:"provider,omitempty"`
	Prompt                  []Message        `json:"prompt"`
	Temperature             *float64         `json:"temperature,omitempty"`
	TopP                    *float64         `json:"top_p,omitempty"`
	MaxOutputTokens         *int             `json:"max_output_tokens,omitempty"`
	PresencePenalty         *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty        *float64         `json:"frequency_penalty,omitempty"`
	ToolChoice              *ToolChoice      `json:"tool_choice,omitempty"`
	Tools                   []ToolDefinition `json:"tools,omitempty"`
	EnabledTools            []string         `json:"enabled_tools,omitempty"`
	InputVariablesSchema    []byte           `json:"input_variables_schema,omitempty"`
	OutputSchema            []byte           `json:"output_schema,omitempty"`
	ReasoningEffort         string           `json:"reasoning_effort,omitempty"`
	ReasoningBudget         *int             `json:"reasoning_budget,omitempty"`
	ParallelToolCalls       *bool            `json:"parallel_tool_calls,omitempty"`
	UseStructuredGeneration bool             `json:"use_structured_generation,omitempty"`
}

// ComputeID derives and sets the Version's content-address ID.
func (v *Version) ComputeID() string {
	id := HashContent(versionContentForHash{
		Model:                   v.Model,
		Provider:                v.Provider,
		Prompt:                  v.Prompt,
		Temperature:             v.Temperature,
		TopP:                    v.TopP,
		MaxOutputTokens:         v.MaxOutputTokens,
		PresencePenalty:         v.PresencePenalty,
		FrequencyPenalty:        v.FrequencyPenalty,
		ToolChoice:              v.ToolChoice,
		Tools:                   v.Tools,
		EnabledTools:            v.EnabledTools,
		InputVariablesSchema:    v.InputVariablesSchema,
		OutputSchema:            v.OutputSchema,
		ReasoningEffort:         v.ReasoningEffort,
		ReasoningBudget:         v.ReasoningBudget,
		ParallelToolCalls:       v.ParallelToolCalls,
		UseStructuredGeneration: v.UseStructuredGeneration,
	})
	v.ID = id
	return id
}

// EffectiveMaxOutputTokens applies spec §4.2's reasoning-budget blending
// rule: when both a requested max and a reasoning budget are present, the
// effective max is min(requested+budget, modelMax); with only a budget,
// min(budget+8192, modelMax).
func (v *Version) EffectiveMaxOutputTokens(modelMax int) int {
	if v.ReasoningBudget == nil {
		if v.MaxOutputTokens != nil {
			return minInt(*v.MaxOutputTokens, modelMax)
		}
		return modelMax
	}
	budget := *v.ReasoningBudget
	if v.MaxOutputTokens != nil {
		return minInt(*v.MaxOutputTokens+budget, modelMax)
	}
	return minInt(budget+8192, modelMax)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ShouldUseAutoCache reports whether auto-cache lookups are worth
// attempting for this version: deterministic sampling (temperature==0 or
// unset) and a cache policy that isn't "never".
func (v *Version) ShouldUseAutoCache() bool {
	if v.UseCache == "never" {
		return false
	}
	if v.Temperature != nil && *v.Temperature > 0 {
		return false
	}
	return true
}
