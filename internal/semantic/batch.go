package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/sync/errgroup"

	"supportbot/internal/domain"
)

// BatchOptions controls how corpus texts are sent to the embedder.
type BatchOptions struct {
	BatchSize int // texts per provider call
	Workers   int // concurrent provider calls
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	return o
}

// EmbedBatched embeds texts in batches on a bounded worker pool and returns
// unit-length vectors in input order. The first failing batch cancels the
// rest and its error is wrapped with domain.ErrEmbeddingProvider.
func EmbedBatched(ctx context.Context, e domain.Embedder, texts []string, opts BatchOptions) ([][]float32, error) {
	opts = opts.withDefaults()
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for start := 0; start < len(texts); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.Embed(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("%w: batch %d-%d: %w", domain.ErrEmbeddingProvider, start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("%w: batch %d-%d: got %d vectors", domain.ErrEmbeddingProvider, start, end, len(vecs))
			}
			for i, v := range vecs {
				out[start+i] = Normalize(v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery embeds a single text and returns its unit vector.
func EmbedQuery(ctx context.Context, e domain.Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingProvider, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 vector, got %d", domain.ErrEmbeddingProvider, len(vecs))
	}
	return Normalize(vecs[0]), nil
}

// ContentHash identifies the composite text a cached vector was computed from.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
