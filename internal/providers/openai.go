package providers

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts OpenAI's chat-completions API.
type OpenAIProvider struct{ *openAICompatProvider }

// NewOpenAIProvider builds an OpenAI adapter. APIKey is required.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey("openai")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	return &OpenAIProvider{newOpenAICompatProvider("openai", cfg, clientCfg, func(model string) bool {
		return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4")
	})}, nil
}
