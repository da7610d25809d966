package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// keywordEmbedder places each text on one axis per topic keyword it mentions.
type keywordEmbedder struct {
	calls atomic.Int32
	texts atomic.Int32
	fail  atomic.Bool
}

var topics = []string{"vpn", "impresora", "correo"}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.texts.Add(int32(len(texts)))
	if e.fail.Load() {
		return nil, errors.New("connection refused")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(topics))
		for d, kw := range topics {
			v[d] = float32(strings.Count(t, kw))
		}
		out[i] = v
	}
	return out, nil
}

func (e *keywordEmbedder) Name() string                  { return "keyword" }
func (e *keywordEmbedder) Model() string                 { return "keyword-v1" }
func (e *keywordEmbedder) Healthy(context.Context) error { return nil }

type memCache struct {
	mu   sync.Mutex
	rows map[string]map[string]domain.CachedVector
}

func newMemCache() *memCache {
	return &memCache{rows: make(map[string]map[string]domain.CachedVector)}
}

func (c *memCache) Load(_ context.Context, model string) (map[string]domain.CachedVector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.rows[model]), nil
}

func (c *memCache) Replace(_ context.Context, model string, vecs []domain.CachedVector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(map[string]domain.CachedVector, len(vecs))
	for _, v := range vecs {
		m[v.EntryID] = v
	}
	c.rows[model] = m
	return nil
}

func (c *memCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = make(map[string]map[string]domain.CachedVector)
	return nil
}

type memIncidents struct {
	mu  sync.Mutex
	ids map[string][]string
}

func (m *memIncidents) RecordIncident(_ context.Context, userKey, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = make(map[string][]string)
	}
	if !slices.Contains(m.ids[userKey], entryID) {
		m.ids[userKey] = append(m.ids[userKey], entryID)
	}
	return nil
}

func (m *memIncidents) ListIncidents(_ context.Context, userKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ids[userKey]), nil
}

func knowledgeBase(prefix string) []domain.KnowledgeEntry {
	return []domain.KnowledgeEntry{
		{
			ID:          prefix + "vpn",
			Title:       "VPN sin conexión",
			Description: "La VPN corporativa no establece conexión desde casa",
			Symptoms:    []string{"timeout al conectar", "cliente vpn desconectado"},
			Keywords:    []string{"vpn", "remoto", "conexión"},
			DiagnosticSteps: []domain.DiagnosticStep{
				{Title: "Reinicia el cliente", Instruction: "Cierra y abre el cliente VPN"},
			},
		},
		{
			ID:          prefix + "printer",
			Title:       "Impresora sin driver",
			Description: "La impresora compartida aparece sin controlador instalado",
			Keywords:    []string{"impresora", "driver"},
		},
		{
			ID:          prefix + "mail",
			Title:       "Correo no sincroniza",
			Description: "El correo de Outlook no recibe mensajes nuevos",
			Keywords:    []string{"correo", "outlook", "email"},
		},
	}
}

func newTestEngine(t *testing.T, emb *keywordEmbedder, cache domain.EmbeddingCache) *Engine {
	t.Helper()
	return NewEngine(EngineConfig{
		Embedder: emb,
		Cache:    cache,
		Logger:   testLogger(),
	})
}

func TestSearch_BeforeBuild(t *testing.T) {
	e := newTestEngine(t, &keywordEmbedder{}, nil)
	_, err := e.Search(context.Background(), "vpn", 0.25, 3)
	assert.ErrorIs(t, err, domain.ErrCorpusNotReady)

	d, err := e.Route(context.Background(), "vpn")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoMatch, d.Outcome)
	assert.False(t, e.Ready())
}

func TestSearch_RanksExpectedEntries(t *testing.T) {
	emb := &keywordEmbedder{}
	e := newTestEngine(t, emb, nil)
	_, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)

	cases := map[string]string{
		"La VPN no conecta desde casa":    "vpn",
		"la impresora no tiene driver":    "printer",
		"no me llega el correo a outlook": "mail",
	}
	for query, want := range cases {
		results, err := e.Search(context.Background(), query, 0.25, 3)
		require.NoError(t, err, query)
		require.NotEmpty(t, results, query)
		assert.Equal(t, want, results[0].EntryID, query)
		assert.True(t, results[0].SemanticOK)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Fused, results[i].Fused)
		}
	}
}

func TestRoute_VPNIsConfident(t *testing.T) {
	e := newTestEngine(t, &keywordEmbedder{}, nil)
	_, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)

	for _, query := range []string{
		"no puedo conectarme a la vpn desde casa",
		"La VPN no conecta desde casa",
	} {
		d, err := e.Route(context.Background(), query)
		require.NoError(t, err, query)
		assert.Equal(t, domain.OutcomeConfident, d.Outcome, query)
		assert.Equal(t, "vpn", d.EntryID, query)
		assert.True(t, d.Solved, query)
		require.GreaterOrEqual(t, len(d.Results), 2, query)
		assert.GreaterOrEqual(t, d.Results[0].Semantic, 0.80, query)
	}
}

func TestRoute_OutOfDomainSkipsEmbedder(t *testing.T) {
	emb := &keywordEmbedder{}
	e := newTestEngine(t, emb, nil)
	_, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)
	before := emb.calls.Load()

	results, err := e.Search(context.Background(), "¿Qué tiempo hace hoy?", 0.25, 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	d, err := e.Route(context.Background(), "hola, ¿qué tal?")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoMatch, d.Outcome)
	assert.False(t, d.Solved)
	assert.Equal(t, before, emb.calls.Load(), "embedder must not be called for out-of-domain queries")
}

func TestRoute_GateIgnoresPhraseExpansion(t *testing.T) {
	emb := &keywordEmbedder{}
	e := newTestEngine(t, emb, nil)
	_, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)
	before := emb.calls.Load()

	// "no abre" expands to "no abre aplicación", which holds a domain term.
	for _, query := range []string{"la tienda no abre hoy", "el coche se queda pillado"} {
		d, err := e.Route(context.Background(), query)
		require.NoError(t, err, query)
		assert.Equal(t, domain.OutcomeNoMatch, d.Outcome, query)
		assert.Empty(t, d.Results, query)
	}
	assert.Equal(t, before, emb.calls.Load())
}

func TestSearch_EmbedderFailureFallsBackToLexical(t *testing.T) {
	emb := &keywordEmbedder{}
	e := newTestEngine(t, emb, nil)
	_, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)
	emb.fail.Store(true)

	results, err := e.Search(context.Background(), "la vpn no conecta", 0.25, 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "vpn", results[0].EntryID)
	assert.InDelta(t, 1.0, results[0].Fused, 1e-9)
	for _, r := range results {
		assert.False(t, r.SemanticOK)
	}

	d, err := e.Route(context.Background(), "la vpn no conecta")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLowConfidence, d.Outcome)
	assert.False(t, d.Solved)
}

func TestRebuild_FailureKeepsPreviousSnapshot(t *testing.T) {
	emb := &keywordEmbedder{}
	e := newTestEngine(t, emb, nil)
	_, err := e.Rebuild(context.Background(), knowledgeBase("a-"))
	require.NoError(t, err)

	emb.fail.Store(true)
	_, err = e.Rebuild(context.Background(), knowledgeBase("b-"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingProvider)

	_, ok := e.Entry("a-vpn")
	assert.True(t, ok)
	_, ok = e.Entry("b-vpn")
	assert.False(t, ok)
}

type memSource struct {
	mu      sync.Mutex
	entries []domain.KnowledgeEntry
}

func (s *memSource) Entries(context.Context) ([]domain.KnowledgeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries), nil
}

func TestRebuild_FirstBuildWithoutEmbedderIsLexicalOnly(t *testing.T) {
	emb := &keywordEmbedder{}
	emb.fail.Store(true)
	e := NewEngine(EngineConfig{
		Embedder: emb,
		Source:   &memSource{entries: knowledgeBase("")},
		Logger:   testLogger(),
	})
	ctx := context.Background()

	stats, err := e.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, stats.LexicalOnly)
	assert.True(t, e.Ready())
	assert.True(t, e.LexicalOnly())
	assert.True(t, e.Status().LexicalOnly)

	calls := emb.calls.Load()
	results, err := e.Search(ctx, "la vpn no conecta", 0.25, 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "vpn", results[0].EntryID)
	assert.False(t, results[0].SemanticOK)
	assert.Equal(t, calls, emb.calls.Load(), "a lexical-only corpus does not embed queries")

	d, err := e.Route(ctx, "la vpn no conecta")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLowConfidence, d.Outcome)

	// A failed rebuild over a lexical-only snapshot still publishes the new entries.
	_, err = e.Rebuild(ctx, knowledgeBase("b-"))
	require.NoError(t, err)
	_, ok := e.Entry("b-vpn")
	assert.True(t, ok)

	emb.fail.Store(false)
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.RetryEmbeddings(retryCtx, 5*time.Millisecond, 20*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return !e.LexicalOnly() }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	d, err = e.Route(ctx, "no puedo conectarme a la vpn desde casa")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfident, d.Outcome)
	assert.Equal(t, "vpn", d.EntryID)
}

func TestRebuild_ExcludesRequestsAndSkipsMalformed(t *testing.T) {
	e := newTestEngine(t, &keywordEmbedder{}, nil)
	entries := append(knowledgeBase(""),
		domain.KnowledgeEntry{ID: "req", Title: "Solicitud de alta de usuario", Description: "Alta en el sistema"},
		domain.KnowledgeEntry{ID: "bad", Title: "Sin descripción"},
	)
	stats, err := e.Rebuild(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, 1, stats.Excluded)
	assert.Equal(t, 1, stats.Skipped)
	_, ok := e.Entry("req")
	assert.False(t, ok)
}

func TestRebuild_UsesEmbeddingCache(t *testing.T) {
	emb := &keywordEmbedder{}
	cache := newMemCache()
	require.NoError(t, cache.Replace(context.Background(), "keyword-v1", []domain.CachedVector{
		{EntryID: "stale", Hash: "x", Vector: []float32{1, 0, 0}},
	}))
	e := newTestEngine(t, emb, cache)

	stats, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)
	assert.True(t, stats.CacheDiscarded)
	assert.Equal(t, 3, stats.Embedded)
	assert.Zero(t, stats.CacheHits)

	stats, err = e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)
	assert.False(t, stats.CacheDiscarded)
	assert.Equal(t, 3, stats.CacheHits)
	assert.Zero(t, stats.Embedded)

	kb := knowledgeBase("")
	kb[2].Description = "El correo no envía mensajes"
	emb.texts.Store(0)
	stats, err = e.Rebuild(context.Background(), kb)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CacheHits)
	assert.Equal(t, 1, stats.Embedded)
	assert.EqualValues(t, 1, emb.texts.Load())

	rows, _ := cache.Load(context.Background(), "keyword-v1")
	assert.Equal(t, []string{"mail", "printer", "vpn"}, slices.Sorted(maps.Keys(rows)))

	require.NoError(t, e.ClearCache(context.Background()))
	rows, _ = cache.Load(context.Background(), "keyword-v1")
	assert.Empty(t, rows)
}

func TestRebuild_AtomicUnderConcurrentReaders(t *testing.T) {
	e := newTestEngine(t, &keywordEmbedder{}, nil)
	_, err := e.Rebuild(context.Background(), knowledgeBase("a-"))
	require.NoError(t, err)

	ctx := context.Background()
	stop := make(chan struct{})
	errs := make(chan error, 8)
	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				results, err := e.Search(ctx, "la vpn no conecta", 0.25, 3)
				if err != nil {
					errs <- err
					return
				}
				if len(results) != 3 {
					errs <- fmt.Errorf("expected 3 results, got %d", len(results))
					return
				}
				prefix := results[0].EntryID[:2]
				for _, r := range results {
					if !strings.HasPrefix(r.EntryID, prefix) {
						errs <- fmt.Errorf("mixed snapshots in one result: %+v", results)
						return
					}
				}
			}
		}()
	}

	for i := range 20 {
		prefix := "a-"
		if i%2 == 0 {
			prefix = "b-"
		}
		_, err := e.Rebuild(ctx, knowledgeBase(prefix))
		require.NoError(t, err)
	}
	close(stop)
	readers.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRouteWithContext_GateAndIncidents(t *testing.T) {
	incidents := &memIncidents{}
	emb := &keywordEmbedder{}
	e := NewEngine(EngineConfig{
		Embedder:  emb,
		Incidents: incidents,
		Logger:    testLogger(),
	})
	_, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)
	ctx := context.Background()

	d, err := e.RouteWithContext(ctx, "telegram:42", "la vpn no conecta")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeConfident, d.Outcome)
	ids, _ := incidents.ListIncidents(ctx, "telegram:42")
	assert.Equal(t, []string{"vpn"}, ids)

	// History does not switch the domain gate off.
	calls := emb.calls.Load()
	for _, query := range []string{"qué tal el tiempo hoy", "sigue igual"} {
		d, err = e.RouteWithContext(ctx, "telegram:42", query)
		require.NoError(t, err, query)
		assert.Equal(t, domain.OutcomeNoMatch, d.Outcome, query)
		assert.Empty(t, d.Results, query)
	}
	assert.Equal(t, calls, emb.calls.Load(), "chit-chat must not reach the embedder")
	assert.Len(t, e.contexts.History("telegram:42"), 1, "chit-chat must not enter the context")

	// The next in-domain question is still resolved in context.
	d, err = e.RouteWithContext(ctx, "telegram:42", "el cliente vpn se desconecta")
	require.NoError(t, err)
	require.NotEmpty(t, d.Results)
	assert.Equal(t, "vpn", d.Results[0].EntryID)
	assert.Len(t, e.contexts.History("telegram:42"), 2)

	e.ResetContext("telegram:42")
	assert.Empty(t, e.contexts.History("telegram:42"))
}

func TestSearchWithContext_AppendsPastIncidents(t *testing.T) {
	incidents := &memIncidents{}
	e := NewEngine(EngineConfig{
		Embedder:  &keywordEmbedder{},
		Incidents: incidents,
		Logger:    testLogger(),
	})
	_, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, incidents.RecordIncident(ctx, "cli:direct", "mail"))
	require.NoError(t, incidents.RecordIncident(ctx, "cli:direct", "vpn"))

	entries, err := e.SearchWithContext(ctx, "cli:direct", "la impresora no imprime", e.ContextOptions())
	require.NoError(t, err)
	ids := make([]string, len(entries))
	for i, en := range entries {
		ids[i] = en.ID
	}
	assert.Equal(t, []string{"printer", "mail", "vpn"}, ids)

	opts := e.ContextOptions()
	opts.IncludePastIncidents = false
	opts.TopN = 2
	entries, err = e.SearchWithContext(ctx, "cli:direct", "la impresora no imprime", opts)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "printer", entries[0].ID)
}

func TestStatus(t *testing.T) {
	e := newTestEngine(t, &keywordEmbedder{}, nil)
	assert.False(t, e.Status().Ready)
	_, err := e.Rebuild(context.Background(), knowledgeBase(""))
	require.NoError(t, err)
	st := e.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, "keyword-v1", st.Model)
	assert.Len(t, e.Entries(), 3)
}
