package provider

import (
	"context"

	"golang.org/x/time/rate"

	"supportbot/internal/domain"
)

const defaultEmbedBurst = 10

// NewTextLimiter returns a limiter that admits perMinute texts per minute with
// the given burst.
func NewTextLimiter(perMinute float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = defaultEmbedBurst
	}
	if perMinute <= 0 {
		perMinute = 600
	}
	return rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
}

// RateLimitedEmbedder charges one limiter token per text before each Embed
// call. Batches larger than the burst wait in burst-sized steps.
type RateLimitedEmbedder struct {
	domain.Embedder
	limiter *rate.Limiter
}

func NewRateLimitedEmbedder(e domain.Embedder, limiter *rate.Limiter) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{Embedder: e, limiter: limiter}
}

func (r *RateLimitedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for remaining := len(texts); remaining > 0; {
		n := min(remaining, r.limiter.Burst())
		if err := r.limiter.WaitN(ctx, n); err != nil {
			return nil, err
		}
		remaining -= n
	}
	return r.Embedder.Embed(ctx, texts)
}
