package resilience

import (
	"context"
	"fmt"

	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] over several backends.
// Catalog vectors are only comparable with query vectors of the same width,
// so every backend must report the primary's dimensions.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	if cfg.Kind == "" {
		cfg.Kind = "embeddings"
	}
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers provider as a fallback. It fails when provider's
// vector width differs from the primary's.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) error {
	want, got := f.Dimensions(), provider.Dimensions()
	if want != got {
		return fmt.Errorf("resilience: embeddings fallback %q has %d dimensions, primary has %d", name, got, want)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Embed implements [embeddings.Provider].
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Embed(ctx, text)
	})
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return vec, err
}

// EmbedBatch implements [embeddings.Provider]. A backend that answers with the
// wrong number of vectors counts as failed.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := p.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(out) != len(texts) {
			return nil, fmt.Errorf("expected %d vectors, got %d", len(texts), len(out))
		}
		return out, nil
	})
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return vecs, err
}

// Dimensions returns the primary's vector width.
func (f *EmbeddingsFallback) Dimensions() int { return f.group.Primary().Dimensions() }

// ModelID returns the primary's model identifier.
func (f *EmbeddingsFallback) ModelID() string { return f.group.Primary().ModelID() }

// States reports the breaker state of every backend.
func (f *EmbeddingsFallback) States() map[string]State { return f.group.States() }
