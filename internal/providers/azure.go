package providers

import (
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// AzureConfig configures the Azure OpenAI adapter. Endpoint is the resource's
// base URL (e.g. https://my-resource.openai.azure.com); Model is the
// deployment name, which doubles as the model id Azure expects.
type AzureConfig struct {
	Config
	Endpoint   string
	APIVersion string
}

// AzureOpenAIProvider adapts Azure OpenAI Service deployments. A deployment
// name acts as the model id in both Request.Model and SupportsModel.
type AzureOpenAIProvider struct {
	*openAICompatProvider
	deployments map[string]bool
}

// NewAzureOpenAIProvider builds an Azure OpenAI adapter. Endpoint and APIKey
// are required; deployments lists the deployment names this instance serves.
func NewAzureOpenAIProvider(cfg AzureConfig, deployments []string) (*AzureOpenAIProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("azure: endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey("azure")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}

	clientCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientCfg.APIVersion = cfg.APIVersion

	set := make(map[string]bool, len(deployments))
	for _, d := range deployments {
		set[d] = true
	}

	return &AzureOpenAIProvider{
		openAICompatProvider: newOpenAICompatProvider("azure", cfg.Config, clientCfg, func(model string) bool {
			return set[model]
		}),
		deployments: set,
	}, nil
}
