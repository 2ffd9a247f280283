package providers

import (
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

// The local provider targets an OpenAI-compatible server on this machine,
// such as Ollama or LM Studio. A key is sent only when one is configured.
const (
	defaultLocalAPIBase = "http://127.0.0.1:11434/v1"
	defaultLocalModel   = "llama3.1"
)

func init() {
	RegisterFactory(ProviderLocal, defaultLocalAPIBase, newLocalProvider, nil, localCredentialStatus)
}

func localCredentialStatus(pc config.ProviderConfig) (bool, string) {
	if strings.TrimSpace(pc.APIKey) != "" {
		return true, authModeAPIKey
	}
	return true, authModeNone
}

func newLocalProvider(pc config.ProviderConfig) (LLMProvider, error) {
	var auth AuthStrategy = NewNoAuth()
	if strings.TrimSpace(pc.APIKey) != "" {
		auth = NewAPIKeyAuth(NewStaticTokenSource(pc.APIKey, "providers.local.api_key"))
	}
	return newChatCompletionsProvider(
		ProviderLocal,
		pc.APIBase,
		defaultLocalModel,
		pc.Proxy,
		auth,
		nil,
	)
}
