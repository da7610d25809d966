package main

import (
	"context"
	"fmt"
	"time"

	"supportbot/internal/bus"
	"supportbot/internal/config"
	"supportbot/internal/domain"
	"supportbot/internal/engine"
	"supportbot/internal/kb"
	"supportbot/internal/memory"
	"supportbot/internal/provider"
	"supportbot/internal/semantic"
	"supportbot/internal/ticket"
)

// app holds the components every command needs: storage, the knowledge
// source, the embedder and the retrieval engine.
type app struct {
	cfg     *config.Config
	store   *memory.SQLiteStore
	source  *kb.FileSource
	factory *provider.Factory
	engine  *engine.Engine
	events  *bus.EventBus
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	factory := provider.NewFactory(cfg, logger)
	embedder, err := factory.Build()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}

	source := kb.NewFileSource(cfg.Knowledge.Path, logger)
	events := bus.NewEventBus(logger)

	eng := engine.NewEngine(engine.EngineConfig{
		Embedder:        embedder,
		Cache:           store,
		Incidents:       store,
		Source:          source,
		Scoring:         cfg.Scoring,
		Weights:         cfg.Knowledge.Weights,
		ExcludePrefixes: cfg.Knowledge.ExcludePrefixes,
		Batch: semantic.BatchOptions{
			BatchSize: cfg.Knowledge.BatchSize,
			Workers:   cfg.Knowledge.Workers,
		},
		Logger: logger,
	})

	return &app{
		cfg:     cfg,
		store:   store,
		source:  source,
		factory: factory,
		engine:  eng,
		events:  events,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// rebuild reloads the knowledge base and reports the outcome on the event bus.
func (a *app) rebuild(ctx context.Context) (engine.RebuildStats, error) {
	stats, err := a.engine.Reload(ctx)
	if err != nil {
		logger.Error("knowledge base rebuild failed", "err", err)
		a.events.Emit(bus.Event{
			Type:    bus.EventRebuildFailed,
			Source:  "cli",
			Payload: map[string]any{"error": err.Error()},
		})
		return stats, err
	}
	logger.Info("knowledge base indexed",
		"entries", stats.Entries,
		"skipped", stats.Skipped,
		"excluded", stats.Excluded,
		"embedded", stats.Embedded,
		"cache_hits", stats.CacheHits,
		"lexical_only", stats.LexicalOnly,
		"duration", stats.Duration.Round(time.Millisecond),
	)
	a.events.Emit(bus.Event{
		Type:    bus.EventCorpusRebuilt,
		Source:  "cli",
		Payload: map[string]any{"entries": stats.Entries, "vocabulary": stats.Vocabulary, "lexical_only": stats.LexicalOnly},
	})
	return stats, nil
}

// ticketSink is the local queue, followed by Jira when enabled.
func (a *app) ticketSink() domain.TicketSink {
	fan := ticket.NewFanout(logger).Add("queue", a.store)
	if j := a.cfg.Tickets.Jira; j.Enabled {
		fan.Add("jira", ticket.NewJiraSink(ticket.JiraConfig{
			BaseURL:    j.BaseURL,
			ProjectKey: j.ProjectKey,
			IssueType:  j.IssueType,
			Labels:     j.Labels,
			AuthHeader: j.AuthHeader,
			Logger:     logger,
		}))
	}
	return fan
}

func (a *app) requestTimeout() time.Duration {
	if a.cfg.General.RequestTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.cfg.General.RequestTimeoutSec) * time.Second
}
