// Package metrics registers the Prometheus collectors used across supportbot
// and exposes them over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "supportbot"

var startTime = time.Now()

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// Handler renders every registered metric in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Pre-defined metrics used across the application ---

var (
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "queries_total",
		Help:      "Search queries by path (plain or context)",
	}, []string{"path"})

	OutOfDomainTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "out_of_domain_total",
		Help:      "Queries rejected by the domain gate before scoring",
	})

	DegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "degraded_total",
		Help:      "Searches ranked lexically because the embedding provider failed",
	})

	OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "outcomes_total",
		Help:      "Routing decisions by outcome",
	}, []string{"outcome"})

	SearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "latency_seconds",
		Help:      "End-to-end search latency including the query embedding",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
	})

	EmbeddingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "latency_seconds",
		Help:      "Embedding provider call latency",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0, 3.0, 10},
	}, []string{"provider"})

	EmbeddingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "errors_total",
		Help:      "Failed embedding provider calls",
	}, []string{"provider"})

	RebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "corpus",
		Name:      "rebuilds_total",
		Help:      "Corpus rebuilds by result",
	}, []string{"result"})

	RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "corpus",
		Name:      "rebuild_seconds",
		Help:      "Duration of a full corpus rebuild",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	CorpusEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "corpus",
		Name:      "entries",
		Help:      "Entries in the live corpus snapshot",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "corpus",
		Name:      "embedding_cache_hits_total",
		Help:      "Corpus vectors reused from the embedding cache during rebuilds",
	})

	ActiveContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "context",
		Name:      "active_users",
		Help:      "Users with a live conversation context",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Inbound chat messages by channel",
	}, []string{"channel"})

	TicketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chat",
		Name:      "tickets_total",
		Help:      "Support tickets created",
	})

	_ = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since start in seconds",
	}, func() float64 { return Uptime().Seconds() })
)
