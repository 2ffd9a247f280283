package providers

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-5.2"
)

func init() {
	RegisterFactory(ProviderOpenRouter, defaultOpenRouterAPIBase, newOpenRouterProvider, validateOpenRouterConfig, openRouterCredentialStatus)
}

func validateOpenRouterConfig(pc config.ProviderConfig) error {
	if strings.TrimSpace(pc.APIKey) == "" {
		return fmt.Errorf("OpenRouter API key is required (set providers.openrouter.api_key or DOTPERSONA_PROVIDERS_OPENROUTER_API_KEY)")
	}
	return nil
}

func openRouterCredentialStatus(pc config.ProviderConfig) (bool, string) {
	if strings.TrimSpace(pc.APIKey) == "" {
		return false, ""
	}
	return true, authModeAPIKey
}

func newOpenRouterProvider(pc config.ProviderConfig) (LLMProvider, error) {
	if err := validateOpenRouterConfig(pc); err != nil {
		return nil, err
	}
	auth := NewAPIKeyAuth(NewStaticTokenSource(pc.APIKey, "providers.openrouter.api_key"))
	return newChatCompletionsProvider(
		ProviderOpenRouter,
		pc.APIBase,
		defaultOpenRouterModel,
		pc.Proxy,
		auth,
		map[string]string{"X-Title": "dotpersona"},
	)
}
