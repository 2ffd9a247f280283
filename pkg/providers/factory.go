package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotpersona/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderLocal      = "local"
)

type providerFactory struct {
	build              func(pc config.ProviderConfig) (LLMProvider, error)
	validate           func(pc config.ProviderConfig) error
	credentialStatusFn func(pc config.ProviderConfig) (configured bool, mode string)
	defaultAPIBase     string
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]providerFactory{}
	registrationErr error
)

func RegisterFactory(name, defaultAPIBase string, build func(pc config.ProviderConfig) (LLMProvider, error), validate func(pc config.ProviderConfig) error, credentialStatusFn func(pc config.ProviderConfig) (bool, string)) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory name is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required"))
		return
	}
	factories[name] = providerFactory{
		build:              build,
		validate:           validate,
		credentialStatusFn: credentialStatusFn,
		defaultAPIBase:     defaultAPIBase,
	}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	providers := make([]string, 0, len(factories))
	for name := range factories {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func IsSupported(name string) bool {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	_, ok := factories[NormalizeProviderName(name)]
	return ok
}

// ValidateProviderConfig checks the named registry entry.
func ValidateProviderConfig(cfg *config.Config, name string) error {
	factory, pc, err := getFactory(cfg, name)
	if err != nil {
		return err
	}
	if factory.validate == nil {
		return nil
	}
	return factory.validate(pc)
}

func ProviderCredentialStatus(cfg *config.Config, name string) (configured bool, mode string, err error) {
	factory, pc, err := getFactory(cfg, name)
	if err != nil {
		return false, "", err
	}
	if factory.credentialStatusFn != nil {
		configured, mode = factory.credentialStatusFn(pc)
		return configured, mode, nil
	}
	configured = factory.validate == nil || factory.validate(pc) == nil
	return configured, "", nil
}

// CreateProvider builds the provider registered under name.
func CreateProvider(cfg *config.Config, name string) (LLMProvider, error) {
	factory, pc, err := getFactory(cfg, name)
	if err != nil {
		return nil, err
	}
	return factory.build(pc)
}

func getFactory(cfg *config.Config, name string) (providerFactory, config.ProviderConfig, error) {
	if cfg == nil {
		return providerFactory{}, config.ProviderConfig{}, fmt.Errorf("config is required")
	}
	name = NormalizeProviderName(name)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return providerFactory{}, config.ProviderConfig{}, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return providerFactory{}, config.ProviderConfig{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	pc, _ := cfg.Provider(name)
	if strings.TrimSpace(pc.APIBase) == "" {
		pc.APIBase = factory.defaultAPIBase
	}
	return factory, pc, nil
}
