package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/config"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/observe"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/resilience"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/embeddings"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured and the stages that need it are skipped.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// BuildProviders instantiates the configured providers through reg. A
// primary with fallbacks is wrapped in a circuit-breaking fallback chain,
// and the result is rate limited per [config.LimitsConfig].
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	var errs []error

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := buildLLM(entry, cfg.Providers.LLMFallbacks, reg, m)
		if err != nil {
			errs = append(errs, err)
		} else {
			ps.LLM = resilience.NewRateLimitedLLM(p, cfg.Limits.LLMRPS, cfg.Limits.LLMBurst)
		}
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		p, err := buildEmbeddings(entry, cfg.Providers.EmbeddingsFallbacks, reg, m)
		switch {
		case err != nil:
			errs = append(errs, err)
		case cfg.Catalog.PostgresDSN != "" && p.Dimensions() > 0 && p.Dimensions() != cfg.Catalog.EmbeddingDimensions:
			// Zero means the width is unknown until the first call.
			errs = append(errs, fmt.Errorf("embeddings %q produces %d dimensions, catalog.embedding_dimensions is %d",
				entry.Name, p.Dimensions(), cfg.Catalog.EmbeddingDimensions))
		default:
			ps.Embeddings = resilience.NewRateLimitedEmbeddings(p, cfg.Limits.EmbeddingsRPS, cfg.Limits.EmbeddingsBurst)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ps, nil
}

func fallbackConfig(kind string, m *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Kind:    kind,
		Metrics: m,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, to resilience.State) {
				slog.Warn("provider circuit state changed", "kind", kind, "provider", name, "state", to.String())
			},
		},
	}
}

func buildLLM(primary config.ProviderEntry, fallbacks []config.ProviderEntry, reg *config.Registry, m *observe.Metrics) (llm.Provider, error) {
	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	if len(fallbacks) == 0 {
		return p, nil
	}
	fb := resilience.NewLLMFallback(p, primary.Name, fallbackConfig("llm", m))
	for _, entry := range fallbacks {
		alt, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("llm fallback: %w", err)
		}
		fb.AddFallback(entry.Name, alt)
	}
	return fb, nil
}

func buildEmbeddings(primary config.ProviderEntry, fallbacks []config.ProviderEntry, reg *config.Registry, m *observe.Metrics) (embeddings.Provider, error) {
	p, err := reg.CreateEmbeddings(primary)
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if len(fallbacks) == 0 {
		return p, nil
	}
	fb := resilience.NewEmbeddingsFallback(p, primary.Name, fallbackConfig("embeddings", m))
	for _, entry := range fallbacks {
		alt, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("embeddings fallback: %w", err)
		}
		if err := fb.AddFallback(entry.Name, alt); err != nil {
			return nil, err
		}
	}
	return fb, nil
}
