package providers

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// GroqProvider adapts Groq's OpenAI-compatible chat-completions API, used for
// its high-throughput open-weight model hosting (Llama, Mixtral, ...).
type GroqProvider struct{ *openAICompatProvider }

// NewGroqProvider builds a Groq adapter. APIKey is required.
func NewGroqProvider(cfg Config) (*GroqProvider, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey("groq")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = groqBaseURL
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama-3.3-70b-versatile"
	}
	return &GroqProvider{newOpenAICompatProvider("groq", cfg, clientCfg, func(model string) bool {
		return strings.Contains(model, "llama") || strings.Contains(model, "mixtral") || strings.Contains(model, "gemma")
	})}, nil
}
