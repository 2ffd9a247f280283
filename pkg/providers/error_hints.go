package providers

import (
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx reply from a provider endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)

	switch providerName {
	case ProviderOpenRouter:
		if status == http.StatusPaymentRequired || strings.Contains(lower, "insufficient credits") {
			return msg + " Hint: the OpenRouter account is out of credits; top up or switch this persona to another model with /model."
		}
		if strings.Contains(lower, "no endpoints found") || strings.Contains(lower, "is not a valid model") {
			return msg + " Hint: OpenRouter model ids look like vendor/model, e.g. openrouter:openai/gpt-5.2."
		}
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key in providers.openai.api_key."
		}
	case ProviderLocal:
		if status == http.StatusNotFound && strings.Contains(lower, "model") {
			return msg + " Hint: pull the model into the local runtime first (e.g. `ollama pull <model>`)."
		}
	}

	return msg
}
