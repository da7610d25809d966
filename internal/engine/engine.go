// Package engine owns the live corpus snapshot and answers search, routing
// and rebuild requests against it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"supportbot/internal/contextacc"
	"supportbot/internal/corpus"
	"supportbot/internal/domain"
	"supportbot/internal/lexical"
	"supportbot/internal/metrics"
	"supportbot/internal/router"
	"supportbot/internal/semantic"
	"supportbot/internal/textnorm"
)

// snapshot is everything a query reads. It is never mutated after Store.
// vectors is nil when the corpus could not be embedded.
type snapshot struct {
	corpus     *corpus.Corpus
	bm25       *lexical.BM25
	vectors    [][]float32
	normalizer *textnorm.Normalizer
	model      string
	builtAt    time.Time
}

func (s *snapshot) lexicalOnly() bool {
	return s.vectors == nil && s.corpus.Len() > 0
}

// Engine is safe for concurrent use. Readers load the current snapshot once
// per request; Rebuild swaps in a complete new one.
type Engine struct {
	current   atomic.Pointer[snapshot]
	rebuildMu sync.Mutex

	embedder  domain.Embedder
	cache     domain.EmbeddingCache
	incidents domain.IncidentLog
	source    domain.EntrySource
	contexts  *contextacc.Accumulator
	router    *router.Router

	scoring         domain.ScoringConfig
	weights         corpus.FieldWeights
	excludePrefixes []string
	batch           semantic.BatchOptions
	onRebuild       func(RebuildStats)
	logger          *slog.Logger
}

type EngineConfig struct {
	Embedder  domain.Embedder
	Cache     domain.EmbeddingCache // optional
	Incidents domain.IncidentLog    // optional
	Source    domain.EntrySource    // used by Reload
	Scoring   domain.ScoringConfig
	Weights   corpus.FieldWeights
	// Entries whose title starts with one of these prefixes are not indexed
	// (default: "solicitud").
	ExcludePrefixes []string
	Batch           semantic.BatchOptions
	OnRebuild       func(RebuildStats)
	Logger          *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Scoring == (domain.ScoringConfig{}) {
		cfg.Scoring = domain.DefaultScoringConfig()
	}
	if cfg.Weights == (corpus.FieldWeights{}) {
		cfg.Weights = corpus.DefaultFieldWeights()
	}
	if cfg.ExcludePrefixes == nil {
		cfg.ExcludePrefixes = []string{"solicitud"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		embedder:        cfg.Embedder,
		cache:           cfg.Cache,
		incidents:       cfg.Incidents,
		source:          cfg.Source,
		contexts:        contextacc.New(),
		router:          router.New(cfg.Scoring),
		scoring:         cfg.Scoring,
		weights:         cfg.Weights,
		excludePrefixes: cfg.ExcludePrefixes,
		batch:           cfg.Batch,
		onRebuild:       cfg.OnRebuild,
		logger:          cfg.Logger,
	}
}

// RebuildStats summarizes one rebuild.
type RebuildStats struct {
	Entries        int           `json:"entries"`
	Skipped        int           `json:"skipped"`
	Excluded       int           `json:"excluded"`
	Embedded       int           `json:"embedded"`
	CacheHits      int           `json:"cache_hits"`
	CacheDiscarded bool          `json:"cache_discarded"`
	LexicalOnly    bool          `json:"lexical_only,omitempty"`
	Vocabulary     int           `json:"vocabulary"`
	Duration       time.Duration `json:"duration"`
}

// Reload fetches the knowledge base from the configured source and rebuilds.
func (e *Engine) Reload(ctx context.Context) (RebuildStats, error) {
	if e.source == nil {
		return RebuildStats{}, fmt.Errorf("reload: no entry source configured")
	}
	entries, err := e.source.Entries(ctx)
	if err != nil {
		return RebuildStats{}, fmt.Errorf("reload: %w", err)
	}
	return e.Rebuild(ctx, entries)
}

// Rebuild builds a complete snapshot from entries and publishes it with a
// single pointer swap. If the corpus cannot be embedded and a fully embedded
// snapshot is live, that snapshot stays and the error is returned. Otherwise
// a lexical-only snapshot is published and stats.LexicalOnly is set;
// RetryEmbeddings replaces it once the embedder is back.
func (e *Engine) Rebuild(ctx context.Context, entries []domain.KnowledgeEntry) (RebuildStats, error) {
	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()

	start := time.Now()
	var stats RebuildStats

	kept := corpus.ExcludeByTitlePrefix(entries, e.excludePrefixes)
	stats.Excluded = len(entries) - len(kept)

	c, errs := corpus.Build(kept, e.weights)
	for _, err := range errs {
		e.logger.Warn("skipping knowledge entry", "err", err)
	}
	stats.Skipped = len(errs)
	stats.Entries = c.Len()
	stats.Vocabulary = len(c.Vocabulary)

	vectors, err := e.embedCorpus(ctx, c, &stats)
	if err != nil {
		if prev := e.current.Load(); (prev != nil && !prev.lexicalOnly()) || ctx.Err() != nil {
			metrics.RebuildsTotal.WithLabelValues("error").Inc()
			return stats, fmt.Errorf("rebuild: %w", err)
		}
		e.logger.Warn("corpus embedding failed, publishing a lexical-only index", "err", err)
		vectors = nil
		stats.LexicalOnly = true
	}

	snap := &snapshot{
		corpus:     c,
		bm25:       lexical.NewBM25(c.Tokens),
		vectors:    vectors,
		normalizer: textnorm.New(c.Vocabulary),
		model:      e.embedder.Model(),
		builtAt:    time.Now(),
	}
	e.current.Store(snap)

	stats.Duration = time.Since(start)
	outcome := "ok"
	if stats.LexicalOnly {
		outcome = "lexical_only"
	}
	metrics.RebuildsTotal.WithLabelValues(outcome).Inc()
	metrics.RebuildDuration.Observe(stats.Duration.Seconds())
	metrics.CorpusEntries.Set(float64(stats.Entries))

	e.logger.Info("corpus rebuilt",
		"entries", stats.Entries,
		"skipped", stats.Skipped,
		"excluded", stats.Excluded,
		"embedded", stats.Embedded,
		"cache_hits", stats.CacheHits,
		"lexical_only", stats.LexicalOnly,
		"duration", stats.Duration)

	if e.onRebuild != nil {
		e.onRebuild(stats)
	}
	return stats, nil
}

// embedCorpus returns one unit vector per corpus entry, reusing cached
// vectors whose content hash still matches. A cache whose id set differs
// from the corpus is discarded whole.
func (e *Engine) embedCorpus(ctx context.Context, c *corpus.Corpus, stats *RebuildStats) ([][]float32, error) {
	model := e.embedder.Model()
	hashes := make([]string, c.Len())
	for i, text := range c.Texts {
		hashes[i] = semantic.ContentHash(text)
	}

	var cached map[string]domain.CachedVector
	if e.cache != nil {
		var err error
		cached, err = e.cache.Load(ctx, model)
		if err != nil {
			e.logger.Warn("embedding cache unavailable, recomputing", "err", err)
			cached = nil
		}
		if len(cached) > 0 && !sameIDs(cached, c.IDs()) {
			e.logger.Info("discarding embedding cache",
				"err", domain.ErrCacheMismatch,
				"cached", len(cached),
				"entries", c.Len())
			cached = nil
			stats.CacheDiscarded = true
		}
	}

	vectors := make([][]float32, c.Len())
	var missing []int
	for i, id := range c.IDs() {
		if cv, ok := cached[id]; ok && cv.Hash == hashes[i] && len(cv.Vector) > 0 {
			vectors[i] = cv.Vector
			stats.CacheHits++
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = c.Texts[i]
		}
		start := time.Now()
		embedded, err := semantic.EmbedBatched(ctx, e.embedder, texts, e.batch)
		metrics.EmbeddingLatency.WithLabelValues(e.embedder.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.EmbeddingErrors.WithLabelValues(e.embedder.Name()).Inc()
			return nil, err
		}
		for j, i := range missing {
			vectors[i] = embedded[j]
		}
		stats.Embedded = len(missing)
	}
	metrics.CacheHits.Add(float64(stats.CacheHits))

	if e.cache != nil && (len(missing) > 0 || stats.CacheDiscarded || len(cached) != c.Len()) {
		rows := make([]domain.CachedVector, c.Len())
		for i, id := range c.IDs() {
			rows[i] = domain.CachedVector{EntryID: id, Hash: hashes[i], Vector: vectors[i]}
		}
		if err := e.cache.Replace(ctx, model, rows); err != nil {
			e.logger.Warn("failed to persist embedding cache", "err", err)
		}
	}
	return vectors, nil
}

func sameIDs(cached map[string]domain.CachedVector, ids []string) bool {
	if len(cached) != len(ids) {
		return false
	}
	for _, id := range ids {
		if _, ok := cached[id]; !ok {
			return false
		}
	}
	return true
}

// LexicalOnly reports whether the live snapshot has no corpus embeddings.
func (e *Engine) LexicalOnly() bool {
	snap := e.current.Load()
	return snap != nil && snap.lexicalOnly()
}

// RetryEmbeddings reloads the knowledge base while the live snapshot is
// lexical only, waiting initial between attempts and doubling the wait up to
// maxDelay after each failed attempt. It returns when ctx is done.
func (e *Engine) RetryEmbeddings(ctx context.Context, initial, maxDelay time.Duration) {
	if initial <= 0 {
		initial = 5 * time.Second
	}
	maxDelay = max(maxDelay, initial)
	delay := initial
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if e.LexicalOnly() {
			if _, err := e.Reload(ctx); err != nil {
				e.logger.Warn("embedding retry failed", "err", err)
			}
			if e.LexicalOnly() {
				delay = min(delay*2, maxDelay)
				e.logger.Info("corpus still lexical only", "next_attempt", delay)
			} else {
				e.logger.Info("corpus embeddings recovered")
				delay = initial
			}
		}
		timer.Reset(delay)
	}
}

// Ready reports whether a snapshot has been published.
func (e *Engine) Ready() bool {
	return e.current.Load() != nil
}

// Entry returns the live entry with the given id.
func (e *Engine) Entry(id string) (domain.KnowledgeEntry, bool) {
	snap := e.current.Load()
	if snap == nil {
		return domain.KnowledgeEntry{}, false
	}
	i, ok := snap.corpus.IndexOf(id)
	if !ok {
		return domain.KnowledgeEntry{}, false
	}
	return snap.corpus.Entries[i], true
}

// Entries returns the indexed entries in corpus order.
func (e *Engine) Entries() []domain.KnowledgeEntry {
	snap := e.current.Load()
	if snap == nil {
		return nil
	}
	return slices.Clone(snap.corpus.Entries)
}

// Status describes the live snapshot.
type Status struct {
	Ready          bool      `json:"ready"`
	Entries        int       `json:"entries"`
	Vocabulary     int       `json:"vocabulary"`
	Model          string    `json:"model"`
	BuiltAt        time.Time `json:"built_at"`
	ActiveContexts int       `json:"active_contexts"`
	LexicalOnly    bool      `json:"lexical_only"`
}

func (e *Engine) Status() Status {
	st := Status{ActiveContexts: e.contexts.Len()}
	if e.embedder != nil {
		st.Model = e.embedder.Model()
	}
	snap := e.current.Load()
	if snap == nil {
		return st
	}
	st.Ready = true
	st.Entries = snap.corpus.Len()
	st.Vocabulary = snap.normalizer.VocabularySize()
	st.Model = snap.model
	st.BuiltAt = snap.builtAt
	st.LexicalOnly = snap.lexicalOnly()
	return st
}

// Scoring returns the thresholds in use.
func (e *Engine) Scoring() domain.ScoringConfig { return e.scoring }

// ResetContext forgets one user's conversation context.
func (e *Engine) ResetContext(userKey string) {
	e.contexts.Reset(userKey)
	metrics.ActiveContexts.Set(float64(e.contexts.Len()))
}

// ResetAllContexts forgets every conversation context.
func (e *Engine) ResetAllContexts() {
	e.contexts.ResetAll()
	metrics.ActiveContexts.Set(0)
}

// SweepContexts evicts contexts idle for longer than idleTTL.
func (e *Engine) SweepContexts(idleTTL time.Duration) int {
	n := e.contexts.Sweep(idleTTL)
	metrics.ActiveContexts.Set(float64(e.contexts.Len()))
	if n > 0 {
		e.logger.Debug("evicted idle contexts", "count", n)
	}
	return n
}

// ClearCache drops every persisted corpus vector. The next rebuild recomputes them.
func (e *Engine) ClearCache(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear embedding cache: %w", err)
	}
	return nil
}

