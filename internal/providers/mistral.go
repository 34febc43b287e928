package providers

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const mistralBaseURL = "https://api.mistral.ai/v1"

// MistralProvider adapts Mistral's OpenAI-compatible chat-completions API.
// The teacher repo has no Mistral adapter; this follows the same
// rebase-the-OpenAI-client template as azure.go/groq.go/xai.go.
type MistralProvider struct{ *openAICompatProvider }

// NewMistralProvider builds a Mistral adapter. APIKey is required.
func NewMistralProvider(cfg Config) (*MistralProvider, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey("mistral")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = mistralBaseURL
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "mistral-large-latest"
	}
	return &MistralProvider{newOpenAICompatProvider("mistral", cfg, clientCfg, func(model string) bool {
		return strings.HasPrefix(model, "mistral-") || strings.HasPrefix(model, "codestral-") || strings.HasPrefix(model, "pixtral-")
	})}, nil
}
