// Package embeddings defines the Provider interface for vector embedding backends.
//
// The catalog uses an embeddings provider to vectorise item descriptions once
// and the detector embeds task descriptions on the fly for the semantic tier.
// Both sides must come from the same Provider so the cosine scores are
// comparable.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider share the length reported by
// Dimensions. Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in as few provider calls as possible. The i-th
	// result corresponds to texts[i]. On error the whole slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, e.g.
	// "text-embedding-3-small". Stored alongside catalog vectors so a model
	// change can trigger re-embedding.
	ModelID() string
}
