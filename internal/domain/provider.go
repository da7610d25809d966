package domain

import "context"

// Embedder is the interface all embedding providers must implement.
// Vectors are returned in input order; they need not be unit length.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Model() string
	Healthy(ctx context.Context) error
}

// CachedVector is a persisted corpus embedding.
type CachedVector struct {
	EntryID string
	Hash    string // content hash of the composite text that was embedded
	Vector  []float32
}

// EmbeddingCache persists corpus embeddings between rebuilds and restarts.
type EmbeddingCache interface {
	Load(ctx context.Context, model string) (map[string]CachedVector, error)
	Replace(ctx context.Context, model string, vecs []CachedVector) error
	Clear(ctx context.Context) error
}
