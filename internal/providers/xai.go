package providers

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const xaiBaseURL = "https://api.x.ai/v1"

// XAIProvider adapts XAI's Grok models via their OpenAI-compatible API.
type XAIProvider struct{ *openAICompatProvider }

// NewXAIProvider builds an XAI adapter. APIKey is required.
func NewXAIProvider(cfg Config) (*XAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey("xai")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = xaiBaseURL
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "grok-4"
	}
	return &XAIProvider{newOpenAICompatProvider("xai", cfg, clientCfg, func(model string) bool {
		return strings.HasPrefix(model, "grok-")
	})}, nil
}
