package config

import (
	"supportbot/internal/corpus"
	"supportbot/internal/domain"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			DefaultEmbedder:       "ollama",
			MaxConcurrentMessages: 5,
			ContextIdleMinutes:    30,
			RequestTimeoutSec:     30,
		},
		Embedders: map[string]EmbedderConfig{
			"ollama": {
				Enabled:         true,
				APIBase:         "http://localhost:11434",
				Model:           "nomic-embed-text",
				RateLimitPerMin: 600,
			},
		},
		Scoring: domain.DefaultScoringConfig(),
		Knowledge: KnowledgeConfig{
			Path:            "~/.supportbot/knowledge_base.json",
			Watch:           true,
			ExcludePrefixes: []string{"solicitud"},
			Weights:         corpus.DefaultFieldWeights(),
			BatchSize:       32,
			Workers:         4,
			QueryCacheSize:  1024,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			WebSocket: WebSocketConfig{
				Path: "/ws",
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Memory: MemoryConfig{
			DBPath:                    "~/.supportbot/supportbot.db",
			MaxHistoryPerConversation: 100,
		},
		Tickets: TicketsConfig{
			Jira: JiraConfig{
				Enabled:   false,
				IssueType: "Incidencia",
				Labels:    []string{"Ticketing"},
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8080,
		},
	}
}
