package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"supportbot/internal/config"
	"supportbot/internal/domain"
	"supportbot/internal/semantic"
)

// EmbedderConstructor creates an embedder from a config entry.
type EmbedderConstructor func(name string, ec config.EmbedderConfig, logger *slog.Logger) domain.Embedder

// Factory creates and caches embedders from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]EmbedderConstructor
	cache        map[string]domain.Embedder
	mu           sync.RWMutex
}

// NewFactory creates an embedder factory with the built-in kinds registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]EmbedderConstructor),
		cache:        make(map[string]domain.Embedder),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a constructor for an embedder kind.
func (f *Factory) RegisterConstructor(kind string, ctor EmbedderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["ollama"] = func(_ string, ec config.EmbedderConfig, logger *slog.Logger) domain.Embedder {
		client := SharedHTTPClient(time.Duration(ec.TimeoutSeconds) * time.Second)
		return NewOllamaWithClient(OllamaConfig{APIBase: ec.APIBase, Model: ec.Model, Logger: logger}, client)
	}
	f.constructors["openai"] = func(name string, ec config.EmbedderConfig, logger *slog.Logger) domain.Embedder {
		return NewOpenAI(OpenAIConfig{
			Name:    name,
			APIKey:  ec.APIKey,
			APIBase: ec.APIBase,
			Model:   ec.Model,
			Client:  SharedHTTPClient(time.Duration(ec.TimeoutSeconds) * time.Second),
			Logger:  logger,
		})
	}
}

// Get returns the named embedder, wrapped in its rate limiter when one is
// configured. Instances are cached.
func (f *Factory) Get(name string) (domain.Embedder, error) {
	if name == "" {
		name = f.cfg.General.DefaultEmbedder
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	ec, ok := f.cfg.Embedders[name]
	if !ok {
		return nil, fmt.Errorf("unknown embedder: %s", name)
	}
	if !ec.Enabled {
		return nil, fmt.Errorf("embedder %s is disabled", name)
	}

	var e domain.Embedder
	if ctor, found := f.constructors[ec.KindOrName(name)]; found {
		e = ctor(name, ec, f.logger)
	} else if ec.APIBase != "" {
		// Unknown kinds are treated as OpenAI-compatible.
		e = f.constructors["openai"](name, ec, f.logger)
	} else {
		return nil, fmt.Errorf("embedder %s: no constructor registered and no API base configured", name)
	}

	if ec.RateLimitPerMin > 0 {
		e = NewRateLimitedEmbedder(e, NewTextLimiter(float64(ec.RateLimitPerMin), defaultEmbedBurst))
	}

	f.cache[name] = e
	return e, nil
}

// Build returns the embedder the engine should use: the failover chain when
// one is configured (default embedder first), otherwise the default
// embedder, fronted by the query-embedding LRU.
func (f *Factory) Build() (domain.Embedder, error) {
	names := []string{f.cfg.General.DefaultEmbedder}
	for _, n := range f.cfg.General.FailoverChain {
		if n != names[0] {
			names = append(names, n)
		}
	}

	chain := make([]domain.Embedder, 0, len(names))
	for _, n := range names {
		e, err := f.Get(n)
		if err != nil {
			return nil, err
		}
		chain = append(chain, e)
	}

	var e domain.Embedder = chain[0]
	if len(chain) > 1 {
		fe, err := NewFailoverEmbedder(chain, f.logger)
		if err != nil {
			return nil, err
		}
		e = fe
	}
	cached, err := semantic.NewCachedEmbedder(e, f.cfg.Knowledge.QueryCacheSize)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// HealthyEmbedder returns the name of the first configured embedder that
// passes a health check, or "" when none does.
func (f *Factory) HealthyEmbedder(ctx context.Context) string {
	for name, ec := range f.cfg.Embedders {
		if !ec.Enabled {
			continue
		}
		e, err := f.Get(name)
		if err != nil {
			continue
		}
		if e.Healthy(ctx) == nil {
			return name
		}
	}
	return ""
}
