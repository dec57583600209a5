package match

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/embeddings"
)

// Defaults for [EmbeddingMatcher].
const (
	DefaultMinSimilarity = 60.0
	DefaultTopK          = 5
)

// EmbeddingMatcher ranks items by cosine similarity between the embedded
// input text and each item's precomputed vector. Items without a vector, or
// with a vector of a different length, are skipped.
type EmbeddingMatcher struct {
	provider embeddings.Provider

	// MinSimilarity is the exclusive lower bound on the 0–100 scale.
	MinSimilarity float64

	// TopK caps the number of returned candidates.
	TopK int
}

// NewEmbeddingMatcher returns a matcher using p with default thresholds.
func NewEmbeddingMatcher(p embeddings.Provider) *EmbeddingMatcher {
	return &EmbeddingMatcher{
		provider:      p,
		MinSimilarity: DefaultMinSimilarity,
		TopK:          DefaultTopK,
	}
}

// Match embeds text and returns up to TopK items whose similarity exceeds
// MinSimilarity, best first. A provider that returns no vector yields no
// candidates and no error.
func (m *EmbeddingMatcher) Match(ctx context.Context, text string, items []catalog.Item) ([]Score, error) {
	vec, err := m.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("match: embed: %w", err)
	}
	if len(vec) == 0 {
		return nil, nil
	}
	return m.Rank(vec, items), nil
}

// Rank scores items against an already computed vector.
func (m *EmbeddingMatcher) Rank(vec []float32, items []catalog.Item) []Score {
	var out []Score
	for _, it := range items {
		if !it.Active || len(it.Embedding) != len(vec) {
			continue
		}
		sim := 100 * Cosine(vec, it.Embedding)
		if sim > m.MinSimilarity {
			out = append(out, Score{Item: it, Confidence: clamp(sim, 0, 100)})
		}
	}
	slices.SortFunc(out, func(a, b Score) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return strings.Compare(a.Item.Code, b.Item.Code)
	})
	if m.TopK > 0 && len(out) > m.TopK {
		out = out[:m.TopK]
	}
	return out
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
