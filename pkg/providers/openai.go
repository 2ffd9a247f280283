package providers

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-5-mini"
)

func init() {
	RegisterFactory(ProviderOpenAI, defaultOpenAIAPIBase, newOpenAIProvider, validateOpenAIConfig, openAICredentialStatus)
}

func validateOpenAIConfig(pc config.ProviderConfig) error {
	if strings.TrimSpace(pc.APIKey) == "" {
		return fmt.Errorf("OpenAI API key is required (set providers.openai.api_key or DOTPERSONA_PROVIDERS_OPENAI_API_KEY)")
	}
	return nil
}

func openAICredentialStatus(pc config.ProviderConfig) (bool, string) {
	if strings.TrimSpace(pc.APIKey) == "" {
		return false, ""
	}
	return true, authModeAPIKey
}

func newOpenAIProvider(pc config.ProviderConfig) (LLMProvider, error) {
	if err := validateOpenAIConfig(pc); err != nil {
		return nil, err
	}
	auth := NewAPIKeyAuth(NewStaticTokenSource(pc.APIKey, "providers.openai.api_key"))
	return newChatCompletionsProvider(
		ProviderOpenAI,
		pc.APIBase,
		defaultOpenAIModel,
		pc.Proxy,
		auth,
		nil,
	)
}
