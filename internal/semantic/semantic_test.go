package semantic

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportbot/internal/domain"
)

// lengthEmbedder maps a text to (len, count of 'a', 1).
type lengthEmbedder struct {
	calls  atomic.Int32
	failOn string
	mu     sync.Mutex
	seen   []int
}

func (e *lengthEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.seen = append(e.seen, len(texts))
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && t == e.failOn {
			return nil, errors.New("boom")
		}
		out[i] = []float32{float32(len(t)), float32(strings.Count(t, "a")), 1}
	}
	return out, nil
}

func (e *lengthEmbedder) Name() string                  { return "length" }
func (e *lengthEmbedder) Model() string                 { return "length-v1" }
func (e *lengthEmbedder) Healthy(context.Context) error { return nil }

func TestNormalize_UnitLength(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 1.0, Norm(v), 1e-6)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
}

func TestDot_CosineOfUnitVectors(t *testing.T) {
	a := Normalize([]float32{1, 0})
	b := Normalize([]float32{1, 1})
	assert.InDelta(t, math.Sqrt2/2, Dot(a, b), 1e-6)
	assert.Zero(t, Dot([]float32{1}, []float32{1, 2}))
}

func TestScoresAndRescale(t *testing.T) {
	corpus := [][]float32{{1, 0}, {0, 1}, {-1, 0}}
	sims := Scores(corpus, []float32{1, 0})
	assert.Equal(t, []float64{1, 0, -1}, sims)
	assert.Equal(t, []float64{1, 0.5, 0}, Rescale(sims))
}

func TestEmbedBatched_PreservesOrder(t *testing.T) {
	e := &lengthEmbedder{}
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := EmbedBatched(context.Background(), e, texts, BatchOptions{BatchSize: 2, Workers: 3})
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	assert.EqualValues(t, 3, e.calls.Load())
	for i, v := range vecs {
		assert.InDelta(t, 1.0, Norm(v), 1e-6)
		want := Normalize([]float32{float32(len(texts[i])), float32(strings.Count(texts[i], "a")), 1})
		assert.Equal(t, want, v, "text %d", i)
	}
}

func TestEmbedBatched_WrapsProviderError(t *testing.T) {
	e := &lengthEmbedder{failOn: "ccc"}
	_, err := EmbedBatched(context.Background(), e, []string{"a", "bb", "ccc"}, BatchOptions{BatchSize: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingProvider)
}

func TestEmbedBatched_Empty(t *testing.T) {
	e := &lengthEmbedder{}
	vecs, err := EmbedBatched(context.Background(), e, nil, BatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, e.calls.Load())
}

func TestEmbedQuery(t *testing.T) {
	v, err := EmbedQuery(context.Background(), &lengthEmbedder{}, "vpn")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, Norm(v), 1e-6)

	_, err = EmbedQuery(context.Background(), &lengthEmbedder{failOn: "vpn"}, "vpn")
	assert.ErrorIs(t, err, domain.ErrEmbeddingProvider)
}

func TestContentHash_Stable(t *testing.T) {
	assert.Equal(t, ContentHash("vpn"), ContentHash("vpn"))
	assert.NotEqual(t, ContentHash("vpn"), ContentHash("vpn "))
	assert.Len(t, ContentHash(""), 64)
}

func TestCachedEmbedder_MemoizesSingleQueries(t *testing.T) {
	inner := &lengthEmbedder{}
	c, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := c.Embed(ctx, []string{"vpn caída"})
	require.NoError(t, err)
	second, err := c.Embed(ctx, []string{"vpn caída"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, inner.calls.Load())
	assert.Equal(t, 1, c.Len())

	_, err = c.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load(), "batches bypass the cache")

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestCachedEmbedder_DoesNotCacheErrors(t *testing.T) {
	inner := &lengthEmbedder{failOn: "x"}
	c, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Zero(t, c.Len())
}
