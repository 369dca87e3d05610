package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/normanking/confidant/internal/config"
	"github.com/normanking/confidant/internal/logging"
)

// NewAdapterFromConfig builds an Adapter from configuration. Every client the
// adapter resolves is wrapped in a MetricsProvider registered in the
// returned registry under its catalog model id. Providers with limits
// configured share one RateLimiter per provider name.
func NewAdapterFromConfig(cfg *config.Config, log *logging.Logger) (*Adapter, *MetricsRegistry, error) {
	catalog, err := CatalogFromConfig(cfg.LLM.Catalog)
	if err != nil {
		return nil, nil, fmt.Errorf("build catalog: %w", err)
	}

	registry := NewMetricsRegistry()
	limiter := NewRateLimiter()
	factories := make(map[string]Factory)

	for _, name := range []string{"ollama", "groq"} {
		name := name
		base := ProviderConfigFrom(name, cfg.LLM.Providers[name])
		limited := !base.Limits.Unlimited()
		if limited {
			limiter.SetLimits(name, base.Limits)
		}
		factories[name] = func(info ModelInfo) (Provider, error) {
			pc := *base
			if info.BackendModel != "" {
				pc.Model = info.BackendModel
			}
			p, err := NewProviderByName(name, &pc)
			if err != nil {
				return nil, err
			}
			if limited {
				p = NewRateLimitedProvider(p, limiter)
			}
			mp := NewMetricsProvider(p, log)
			registry.Register(info.ID, mp)
			return mp, nil
		}
	}

	return NewAdapter(catalog, factories, log), registry, nil
}

// ProviderConfigFrom converts a config section, resolving the API key from
// the environment when the file does not carry one.
func ProviderConfigFrom(name string, pc config.ProviderConfig) *ProviderConfig {
	apiKey := pc.APIKey
	if apiKey == "" {
		apiKey = getAPIKeyFromEnv(name)
	}

	return &ProviderConfig{
		Name:         name,
		Endpoint:     pc.Endpoint,
		APIKey:       apiKey,
		Model:        pc.Model,
		MaxTokens:    pc.MaxTokens,
		Temperature:  pc.Temperature,
		TopP:         pc.TopP,
		NumCtx:       pc.NumCtx,
		Timeout:      pc.Timeout(),
		ProbeTimeout: pc.ProbeTimeout(DefaultConfig(name).ProbeTimeout),
		MaxRetries:   pc.MaxRetries,
		Limits: ProviderLimits{
			RequestsPerMinute:  pc.RequestsPerMinute,
			ConcurrentRequests: pc.ConcurrentRequests,
			TokensPerDay:       pc.TokensPerDay,
			BurstSize:          DefaultProviderLimits(name).BurstSize,
		},
	}
}

// NewProviderByName creates a specific provider by name.
func NewProviderByName(name string, cfg *ProviderConfig) (Provider, error) {
	switch name {
	case "ollama":
		return NewOllamaProvider(cfg), nil
	case "groq":
		return NewGroqProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// apiKeyEnvVar names the environment variable holding a provider's key.
func apiKeyEnvVar(providerName string) string {
	envVars := map[string]string{
		"groq": "GROQ_API_KEY",
	}
	if envVar, ok := envVars[providerName]; ok {
		return envVar
	}
	return strings.ToUpper(providerName) + "_API_KEY"
}

// getAPIKeyFromEnv retrieves the API key from the provider's environment variable.
func getAPIKeyFromEnv(providerName string) string {
	if providerName == "ollama" {
		return ""
	}
	return os.Getenv(apiKeyEnvVar(providerName))
}
