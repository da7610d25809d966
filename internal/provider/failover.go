package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"supportbot/internal/domain"
)

// FailoverEmbedder tries multiple embedders in order, falling back to the
// next one when the current fails. All members must serve the same model:
// query vectors are compared against corpus vectors built by whichever member
// answered during the last rebuild.
type FailoverEmbedder struct {
	embedders []domain.Embedder
	logger    *slog.Logger
}

// NewFailoverEmbedder creates a failover chain from the given embedders.
// It fails when the chain is empty or mixes models.
func NewFailoverEmbedder(embedders []domain.Embedder, logger *slog.Logger) (*FailoverEmbedder, error) {
	if len(embedders) == 0 {
		return nil, fmt.Errorf("failover chain is empty")
	}
	model := embedders[0].Model()
	for _, e := range embedders[1:] {
		if e.Model() != model {
			return nil, fmt.Errorf("failover chain mixes models: %s serves %s, %s serves %s",
				embedders[0].Name(), model, e.Name(), e.Model())
		}
	}
	return &FailoverEmbedder{embedders: embedders, logger: logger}, nil
}

func (fe *FailoverEmbedder) Name() string {
	names := make([]string, len(fe.embedders))
	for i, e := range fe.embedders {
		names[i] = e.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fe *FailoverEmbedder) Model() string { return fe.embedders[0].Model() }

func (fe *FailoverEmbedder) Healthy(ctx context.Context) error {
	for _, e := range fe.embedders {
		if err := e.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy embedder in failover chain")
}

// Embed tries each embedder in order and returns the first success.
func (fe *FailoverEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for i, e := range fe.embedders {
		vecs, err := e.Embed(ctx, texts)
		if err == nil {
			if i > 0 {
				fe.logger.Info("failover: used fallback embedder",
					"embedder", e.Name(),
					"attempt", i+1,
				)
			}
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		fe.logger.Warn("failover: embedder failed, trying next",
			"embedder", e.Name(),
			"attempt", i+1,
			"err", err,
		)
	}
	return nil, fmt.Errorf("all embedders in failover chain failed: %w", lastErr)
}
