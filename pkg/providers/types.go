package providers

import "context"

// Message is a provider-agnostic chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// LLMProvider completes a chat transcript.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider additionally yields incremental text. onChunk is called
// in order; the returned response carries the full text.
type StreamingProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}, onChunk func(string)) (*LLMResponse, error)
}
