package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"supportbot/internal/contextacc"
	"supportbot/internal/corpus"
	"supportbot/internal/domain"
	"supportbot/internal/fusion"
	"supportbot/internal/metrics"
	"supportbot/internal/semantic"
	"supportbot/internal/textnorm"
)

// ContextOptions tunes a context-aware search. Start from
// Engine.ContextOptions and override what differs.
type ContextOptions struct {
	Alpha         float64
	TopN          int
	Decay         float64
	MaxHistory    int
	QueryWeight   float64
	ContextWeight float64
	// IncludePastIncidents appends entries that already answered this user.
	IncludePastIncidents bool
}

// ContextOptions returns the configured defaults.
func (e *Engine) ContextOptions() ContextOptions {
	return ContextOptions{
		Alpha:                e.scoring.Alpha,
		TopN:                 e.scoring.TopN,
		Decay:                e.scoring.Decay,
		MaxHistory:           e.scoring.MaxHistory,
		QueryWeight:          e.scoring.QueryWeight,
		ContextWeight:        e.scoring.ContextWeight,
		IncludePastIncidents: true,
	}
}

// errNoCorpusVectors marks a search against a lexical-only snapshot.
var errNoCorpusVectors = fmt.Errorf("%w: corpus has no embeddings", domain.ErrEmbeddingProvider)

// ranking is the internal result of one scoring pass.
type ranking struct {
	results     []domain.ScoredResult
	outOfDomain bool
	normalized  string
}

// Search ranks the corpus against query and returns the topK results.
// Queries outside the support domain return no results without calling the
// embedder. If the embedder fails the ranking is lexical only and every
// result has SemanticOK=false.
func (e *Engine) Search(ctx context.Context, query string, alpha float64, topK int) ([]domain.ScoredResult, error) {
	snap := e.current.Load()
	if snap == nil {
		return nil, domain.ErrCorpusNotReady
	}
	metrics.QueriesTotal.WithLabelValues("plain").Inc()
	r, err := e.rank(ctx, snap, query, alpha, topK, nil)
	if err != nil {
		return nil, err
	}
	return r.results, nil
}

// contextScorer blends a user's accumulated context into the semantic score.
type contextScorer struct {
	userKey string
	opts    ContextOptions
}

// SearchWithContext ranks query in the context of the user's recent queries
// and returns the top entries, followed by entries that answered this user
// before when requested.
func (e *Engine) SearchWithContext(ctx context.Context, userKey, query string, opts ContextOptions) ([]domain.KnowledgeEntry, error) {
	snap := e.current.Load()
	if snap == nil {
		return nil, domain.ErrCorpusNotReady
	}
	metrics.QueriesTotal.WithLabelValues("context").Inc()
	topN := max(opts.TopN, 1)
	r, err := e.rank(ctx, snap, query, opts.Alpha, topN, &contextScorer{userKey: userKey, opts: opts})
	if err != nil {
		return nil, err
	}

	out := make([]domain.KnowledgeEntry, 0, len(r.results))
	seen := make(map[string]bool, len(r.results))
	for _, res := range r.results {
		if i, ok := snap.corpus.IndexOf(res.EntryID); ok {
			out = append(out, snap.corpus.Entries[i])
			seen[res.EntryID] = true
		}
	}
	if opts.IncludePastIncidents && e.incidents != nil {
		ids, err := e.incidents.ListIncidents(ctx, userKey)
		if err != nil {
			e.logger.Warn("failed to list past incidents", "user", userKey, "err", err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			if i, ok := snap.corpus.IndexOf(id); ok {
				out = append(out, snap.corpus.Entries[i])
				seen[id] = true
			}
		}
	}
	return out, nil
}

// Route ranks query and routes the ranking. A corpus that is not built yet
// routes to NoMatch.
func (e *Engine) Route(ctx context.Context, query string) (domain.RoutingDecision, error) {
	return e.route(ctx, query, nil)
}

// RouteWithContext is Route over the context-aware ranking. Confident
// answers are recorded as past incidents of the user.
func (e *Engine) RouteWithContext(ctx context.Context, userKey, query string) (domain.RoutingDecision, error) {
	d, err := e.route(ctx, query, &contextScorer{userKey: userKey, opts: e.ContextOptions()})
	if err != nil {
		return d, err
	}
	if d.Outcome == domain.OutcomeConfident && e.incidents != nil {
		if err := e.incidents.RecordIncident(ctx, userKey, d.EntryID); err != nil {
			e.logger.Warn("failed to record incident", "user", userKey, "entry", d.EntryID, "err", err)
		}
	}
	return d, nil
}

func (e *Engine) route(ctx context.Context, query string, cs *contextScorer) (domain.RoutingDecision, error) {
	snap := e.current.Load()
	if snap == nil {
		e.logger.Warn("route before corpus build", "err", domain.ErrCorpusNotReady)
		d := e.router.Decide(nil, false)
		metrics.OutcomesTotal.WithLabelValues(string(d.Outcome)).Inc()
		return d, nil
	}
	path := "plain"
	if cs != nil {
		path = "context"
	}
	metrics.QueriesTotal.WithLabelValues(path).Inc()

	// The ambiguity check needs the runner-up.
	k := max(e.scoring.TopK, 2)
	r, err := e.rank(ctx, snap, query, e.scoring.Alpha, k, cs)
	if err != nil {
		return domain.RoutingDecision{}, err
	}
	d := e.router.Decide(r.results, r.outOfDomain)
	metrics.OutcomesTotal.WithLabelValues(string(d.Outcome)).Inc()
	e.logger.Debug("query routed",
		"query", r.normalized,
		"outcome", d.Outcome,
		"entry", d.EntryID,
		"results", len(d.Results))
	return d, nil
}

// rank scores every corpus entry lexically and semantically in parallel,
// fuses the scores and keeps the top k.
func (e *Engine) rank(ctx context.Context, snap *snapshot, query string, alpha float64, k int, cs *contextScorer) (ranking, error) {
	start := time.Now()
	defer func() { metrics.SearchLatency.Observe(time.Since(start).Seconds()) }()

	// The gate looks at the cleaned query only: the informal-phrase
	// expansion appends domain terms of its own.
	cleaned := textnorm.Clean(query)
	r := ranking{normalized: cleaned}
	gate := textnorm.OutOfDomain(cleaned)
	if gate || snap.corpus.Len() == 0 {
		r.outOfDomain = gate
		if gate {
			metrics.OutOfDomainTotal.Inc()
		}
		return r, nil
	}
	normalized := snap.normalizer.Normalize(query)
	r.normalized = normalized

	var (
		lex      []float64
		qvec     []float32
		embedErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lex = snap.bm25.Score(corpus.Tokenize(normalized))
		return nil
	})
	if snap.lexicalOnly() {
		embedErr = errNoCorpusVectors
	} else {
		g.Go(func() error {
			t := time.Now()
			qvec, embedErr = semantic.EmbedQuery(gctx, e.embedder, normalized)
			metrics.EmbeddingLatency.WithLabelValues(e.embedder.Name()).Observe(time.Since(t).Seconds())
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return r, err
	}

	n := snap.corpus.Len()
	sem := make([]float64, n)
	var fused []float64
	semanticOK := embedErr == nil
	if semanticOK {
		sem = semantic.Scores(snap.vectors, qvec)
		if cs != nil {
			ctxVec := e.contexts.UpdateAndBlend(cs.userKey, qvec, cs.opts.Decay, cs.opts.MaxHistory)
			metrics.ActiveContexts.Set(float64(e.contexts.Len()))
			ctxSims := semantic.Scores(snap.vectors, ctxVec)
			for i := range sem {
				sem[i] = contextacc.Blend(sem[i], ctxSims[i], cs.opts.QueryWeight, cs.opts.ContextWeight)
			}
		}
		fused = fusion.Fuse(lex, semantic.Rescale(sem), alpha)
	} else {
		metrics.DegradedTotal.Inc()
		if !errors.Is(embedErr, errNoCorpusVectors) {
			metrics.EmbeddingErrors.WithLabelValues(e.embedder.Name()).Inc()
			e.logger.Warn("embedding failed, ranking lexically",
				"err", embedErr,
				"provider", e.embedder.Name())
		}
		fused = fusion.NormalizeMax(lex)
	}

	for _, i := range fusion.Rank(fused, k) {
		entry := snap.corpus.Entries[i]
		r.results = append(r.results, domain.ScoredResult{
			EntryID:    entry.ID,
			Title:      entry.Title,
			Lexical:    lex[i],
			Semantic:   sem[i],
			Fused:      fused[i],
			SemanticOK: semanticOK,
		})
	}
	return r, nil
}
