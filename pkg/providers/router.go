package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

// ModelSpec is a parsed "provider:model" identifier.
type ModelSpec struct {
	Provider string
	Model    string
}

func (s ModelSpec) String() string {
	if s.Model == "" {
		return s.Provider
	}
	return s.Provider + ":" + s.Model
}

// ParseModelSpec splits spec on its first colon when the prefix names a
// registered provider. Otherwise the whole spec is a model id for
// defaultProvider, so local tags like "llama3.1:8b" survive.
func ParseModelSpec(spec, defaultProvider string) (ModelSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ModelSpec{}, fmt.Errorf("model spec is empty")
	}
	if idx := strings.Index(spec, ":"); idx > 0 {
		prefix := NormalizeProviderName(spec[:idx])
		if IsSupported(prefix) {
			model := strings.TrimSpace(spec[idx+1:])
			if model == "" {
				return ModelSpec{}, fmt.Errorf("model spec %q has no model after the provider", spec)
			}
			return ModelSpec{Provider: prefix, Model: model}, nil
		}
	}
	return ModelSpec{Provider: NormalizeProviderName(defaultProvider), Model: spec}, nil
}

// ModelInfo describes one registry entry for the model listing command.
type ModelInfo struct {
	Provider      string
	APIBase       string
	KeyConfigured bool
	AuthMode      string
	Default       bool
}

// Router dispatches chat calls to the provider named by a model spec. It
// satisfies StreamingProvider, with model arguments taken as specs.
type Router struct {
	cfg   *config.Config
	mu    sync.Mutex
	cache map[string]LLMProvider
}

func NewRouter(cfg *config.Config) *Router {
	return &Router{cfg: cfg, cache: map[string]LLMProvider{}}
}

// Use pins a provider instance under name, bypassing the factory.
func (r *Router) Use(name string, p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[NormalizeProviderName(name)] = p
}

func (r *Router) GetDefaultModel() string {
	if r.cfg == nil {
		return ProviderOpenRouter + ":" + defaultOpenRouterModel
	}
	return strings.TrimSpace(r.cfg.Agents.Defaults.Model)
}

func (r *Router) defaultProvider() string {
	spec, err := ParseModelSpec(r.GetDefaultModel(), ProviderOpenRouter)
	if err != nil {
		return ProviderOpenRouter
	}
	return spec.Provider
}

// Resolve returns the provider and bare model id for spec. An empty spec
// selects the configured default.
func (r *Router) Resolve(spec string) (LLMProvider, ModelSpec, error) {
	if strings.TrimSpace(spec) == "" {
		spec = r.GetDefaultModel()
	}
	ms, err := ParseModelSpec(spec, r.defaultProvider())
	if err != nil {
		return nil, ModelSpec{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[ms.Provider]; ok {
		return p, ms, nil
	}
	p, err := CreateProvider(r.cfg, ms.Provider)
	if err != nil {
		return nil, ms, err
	}
	r.cache[ms.Provider] = p
	return p, ms, nil
}

func (r *Router) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	p, ms, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}
	return p.Chat(ctx, messages, ms.Model, options)
}

// ChatStream streams when the target supports it and otherwise delivers
// the whole reply as one chunk.
func (r *Router) ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}, onChunk func(string)) (*LLMResponse, error) {
	p, ms, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}
	if sp, ok := p.(StreamingProvider); ok {
		return sp.ChatStream(ctx, messages, ms.Model, options, onChunk)
	}
	resp, err := p.Chat(ctx, messages, ms.Model, options)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && resp.Content != "" {
		onChunk(resp.Content)
	}
	return resp, nil
}

// ListModels reports every registered provider and its credential state.
func (r *Router) ListModels() []ModelInfo {
	def := r.defaultProvider()
	out := make([]ModelInfo, 0)
	for _, name := range SupportedProviders() {
		info := ModelInfo{Provider: name, Default: name == def}
		if _, pc, err := getFactory(r.cfg, name); err == nil {
			info.APIBase = pc.APIBase
		}
		info.KeyConfigured, info.AuthMode, _ = ProviderCredentialStatus(r.cfg, name)
		out = append(out, info)
	}
	return out
}
