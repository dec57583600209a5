package catalog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/embeddings"
)

// EmbeddingSource decorates a [Source] and fills in missing item embeddings.
//
// Vectors are memoised by [Item.ContentHash], so unchanged items are embedded
// once per process. When the provider fails, items are returned without
// vectors and the embedding tier simply skips them.
type EmbeddingSource struct {
	inner    Source
	provider embeddings.Provider

	mu   sync.Mutex
	memo map[string][]float32
}

var _ Source = (*EmbeddingSource)(nil)

// NewEmbeddingSource wraps inner so that loaded items carry embeddings from p.
func NewEmbeddingSource(inner Source, p embeddings.Provider) *EmbeddingSource {
	return &EmbeddingSource{
		inner:    inner,
		provider: p,
		memo:     make(map[string][]float32),
	}
}

// Load implements [Source].
func (s *EmbeddingSource) Load(ctx context.Context) ([]Item, error) {
	items, err := s.inner.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.Backfill(ctx, items), nil
}

// Backfill returns items with every missing embedding filled in where
// possible. Inactive items are left untouched.
func (s *EmbeddingSource) Backfill(ctx context.Context, items []Item) []Item {
	dims := s.provider.Dimensions()

	var (
		missing []int
		texts   []string
	)
	s.mu.Lock()
	for i, it := range items {
		if !it.Active {
			continue
		}
		if len(it.Embedding) > 0 && (dims == 0 || len(it.Embedding) == dims) {
			continue
		}
		if vec, ok := s.memo[it.ContentHash()]; ok {
			items[i].Embedding = vec
			continue
		}
		missing = append(missing, i)
		texts = append(texts, it.EmbeddingText())
	}
	s.mu.Unlock()

	if len(missing) == 0 {
		return items
	}

	vecs, err := s.provider.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Warn("catalog: embedding backfill failed", "items", len(missing), "model", s.provider.ModelID(), "err", err)
		return items
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for j, idx := range missing {
		if j >= len(vecs) || len(vecs[j]) == 0 {
			continue
		}
		items[idx].Embedding = vecs[j]
		s.memo[items[idx].ContentHash()] = vecs[j]
	}
	slog.Info("catalog: embedded items", "count", len(missing), "model", s.provider.ModelID())
	return items
}
