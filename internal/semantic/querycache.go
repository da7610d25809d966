package semantic

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"supportbot/internal/domain"
)

// CachedEmbedder memoizes single-text embeddings. Chat users repeat the same
// short queries often; batch calls pass straight through.
type CachedEmbedder struct {
	domain.Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps e with an LRU of the given size.
func NewCachedEmbedder(e domain.Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &CachedEmbedder{Embedder: e, cache: c}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.Embedder.Embed(ctx, texts)
	}
	key := c.Embedder.Model() + "\x00" + texts[0]
	if v, ok := c.cache.Get(key); ok {
		return [][]float32{v}, nil
	}
	vecs, err := c.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 1 {
		c.cache.Add(key, vecs[0])
	}
	return vecs, nil
}

// Purge drops every memoized vector. Called after the model changes.
func (c *CachedEmbedder) Purge() { c.cache.Purge() }

// Len reports how many queries are memoized.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }
