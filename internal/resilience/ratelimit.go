package resilience

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/embeddings"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/llm"
)

// RateLimitedLLM caps the request rate to an [llm.Provider]. Every session's
// classifier, splitter and refiner share one instance so a burst of calls
// queues instead of tripping the vendor's own limits.
type RateLimitedLLM struct {
	llm.Provider
	limiter *rate.Limiter
}

var _ llm.Provider = (*RateLimitedLLM)(nil)

// NewRateLimitedLLM wraps p with a token bucket of rps requests per second and
// the given burst. A non-positive rps returns p unchanged.
func NewRateLimitedLLM(p llm.Provider, rps float64, burst int) llm.Provider {
	if rps <= 0 {
		return p
	}
	return &RateLimitedLLM{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), max(burst, 1))}
}

// Complete waits for a token, then forwards the call. Waiting honours ctx.
func (r *RateLimitedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm rate limit: %w", err)
	}
	return r.Provider.Complete(ctx, req)
}

// RateLimitedEmbeddings caps the request rate to an [embeddings.Provider].
type RateLimitedEmbeddings struct {
	embeddings.Provider
	limiter *rate.Limiter
}

var _ embeddings.Provider = (*RateLimitedEmbeddings)(nil)

// NewRateLimitedEmbeddings wraps p like [NewRateLimitedLLM].
func NewRateLimitedEmbeddings(p embeddings.Provider, rps float64, burst int) embeddings.Provider {
	if rps <= 0 {
		return p
	}
	return &RateLimitedEmbeddings{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), max(burst, 1))}
}

// Embed waits for a token, then forwards the call.
func (r *RateLimitedEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embeddings rate limit: %w", err)
	}
	return r.Provider.Embed(ctx, text)
}

// EmbedBatch waits for a single token per batch.
func (r *RateLimitedEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embeddings rate limit: %w", err)
	}
	return r.Provider.EmbedBatch(ctx, texts)
}
