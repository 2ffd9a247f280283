package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

func TestCreateProvider_OpenRouter_DefaultModel(t *testing.T) {
	var seenAuth, seenPath, seenTitle string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		seenTitle = r.Header.Get("X-Title")
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != defaultOpenRouterModel {
			t.Errorf("expected default model %q, got %v", defaultOpenRouterModel, got)
		}
		if _, ok := req["stream"]; ok {
			t.Errorf("non-streaming request must not set stream")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL

	provider, err := CreateProvider(cfg, "")
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected response content ok, got %q", resp.Content)
	}
	if seenAuth != "Bearer or-key" {
		t.Fatalf("expected openrouter auth bearer, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
	if seenTitle != "dotpersona" {
		t.Fatalf("expected X-Title header, got %q", seenTitle)
	}
}

func TestCreateProvider_OpenAI_OptionsAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != "gpt-5" {
			t.Errorf("expected model override gpt-5, got %v", got)
		}
		if got := req["max_tokens"]; got != float64(128) {
			t.Errorf("expected max_tokens 128, got %v", got)
		}
		if got := req["temperature"]; got != 0.3 {
			t.Errorf("expected temperature 0.3, got %v", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": [{"type":"text","text":"{\"should_respond\":"},{"type":"text","text":"false}"}]}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk-openai"
	cfg.Providers.OpenAI.APIBase = server.URL

	provider, err := CreateProvider(cfg, ProviderOpenAI)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "gpt-5", map[string]interface{}{"max_tokens": 128, "temperature": 0.3})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != `{"should_respond":false}` {
		t.Fatalf("expected flattened content, got %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected usage to be parsed, got %+v", resp.Usage)
	}
}

func TestCreateProvider_MissingKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := CreateProvider(cfg, ProviderOpenRouter); err == nil || !strings.Contains(err.Error(), "API key is required") {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := CreateProvider(cfg, "anthropic-direct"); err == nil || !strings.Contains(err.Error(), "unsupported provider") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestLocalProvider_Keyless(t *testing.T) {
	var seenAuth = "unset"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"local ok"}}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.Local.APIBase = server.URL

	configured, mode, err := ProviderCredentialStatus(cfg, ProviderLocal)
	if err != nil || !configured || mode != authModeNone {
		t.Fatalf("expected keyless local provider to be configured, got %v %q %v", configured, mode, err)
	}
	provider, err := CreateProvider(cfg, ProviderLocal)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "llama3.1:8b", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "local ok" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if seenAuth != "" {
		t.Fatalf("expected no auth header, got %q", seenAuth)
	}
}

func TestChatStream_SSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Errorf("expected stream=true in request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"))
		_, _ = w.Write([]byte(": keep-alive\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.Local.APIBase = server.URL
	provider, err := CreateProvider(cfg, ProviderLocal)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	sp, ok := provider.(StreamingProvider)
	if !ok {
		t.Fatalf("chat completions provider must support streaming")
	}
	var chunks []string
	resp, err := sp.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", nil, func(c string) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "Hello" || resp.FinishReason != "stop" {
		t.Fatalf("unexpected stream result %+v", resp)
	}
	if len(chunks) != 2 || chunks[0] != "Hel" {
		t.Fatalf("unexpected chunks %v", chunks)
	}
}

func TestChat_APIErrorCarriesStatusAndHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"Insufficient credits"}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL
	provider, err := CreateProvider(cfg, ProviderOpenRouter)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	_, err = provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Retryable() {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !strings.Contains(apiErr.Message, "Hint:") {
		t.Fatalf("expected hint in message, got %q", apiErr.Message)
	}
}

func TestParseModelSpec(t *testing.T) {
	cases := []struct {
		in       string
		provider string
		model    string
	}{
		{"openrouter:openai/gpt-5.2", "openrouter", "openai/gpt-5.2"},
		{"LOCAL:llama3.1:8b", "local", "llama3.1:8b"},
		{"llama3.1:8b", "openrouter", "llama3.1:8b"},
		{"gpt-5", "openrouter", "gpt-5"},
	}
	for _, tc := range cases {
		got, err := ParseModelSpec(tc.in, "")
		if err != nil {
			t.Fatalf("ParseModelSpec(%q): %v", tc.in, err)
		}
		if got.Provider != tc.provider || got.Model != tc.model {
			t.Fatalf("ParseModelSpec(%q) = %+v, want %s/%s", tc.in, got, tc.provider, tc.model)
		}
	}
	if _, err := ParseModelSpec("  ", ""); err == nil {
		t.Fatalf("expected error for empty spec")
	}
	if _, err := ParseModelSpec("openai:", ""); err == nil {
		t.Fatalf("expected error for spec without model")
	}
}

type staticProvider struct {
	content   string
	lastModel string
}

func (s *staticProvider) Chat(_ context.Context, _ []Message, model string, _ map[string]interface{}) (*LLMResponse, error) {
	s.lastModel = model
	return &LLMResponse{Content: s.content, FinishReason: "stop"}, nil
}

func (s *staticProvider) GetDefaultModel() string { return "static" }

func TestRouter_ResolvesSpecAndFallsBackToSingleChunk(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Model = "local:llama3.1"
	r := NewRouter(cfg)
	fake := &staticProvider{content: "whole reply"}
	r.Use(ProviderLocal, fake)

	resp, err := r.Chat(context.Background(), nil, "", nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "whole reply" || fake.lastModel != "llama3.1" {
		t.Fatalf("expected default spec to route to local/llama3.1, got %q via %q", resp.Content, fake.lastModel)
	}

	var chunks []string
	if _, err := r.ChatStream(context.Background(), nil, "mistral", nil, func(c string) { chunks = append(chunks, c) }); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "whole reply" {
		t.Fatalf("expected single chunk fallback, got %v", chunks)
	}
	if fake.lastModel != "mistral" {
		t.Fatalf("bare model must use the default provider, got %q", fake.lastModel)
	}
}

func TestRouter_ListModels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk"
	infos := NewRouter(cfg).ListModels()
	if len(infos) != 3 {
		t.Fatalf("expected three registered providers, got %d", len(infos))
	}
	byName := map[string]ModelInfo{}
	for _, info := range infos {
		byName[info.Provider] = info
	}
	if !byName[ProviderOpenRouter].Default || byName[ProviderOpenRouter].KeyConfigured {
		t.Fatalf("unexpected openrouter info %+v", byName[ProviderOpenRouter])
	}
	if !byName[ProviderOpenAI].KeyConfigured || byName[ProviderOpenAI].APIBase != defaultOpenAIAPIBase {
		t.Fatalf("unexpected openai info %+v", byName[ProviderOpenAI])
	}
	if !byName[ProviderLocal].KeyConfigured {
		t.Fatalf("local provider needs no key: %+v", byName[ProviderLocal])
	}
}
