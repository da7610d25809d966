package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"supportbot/internal/corpus"
	"supportbot/internal/domain"
)

// Config is the root configuration for supportbot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Embedders map[string]EmbedderConfig `json:"embedders"`
	Scoring   domain.ScoringConfig      `json:"scoring"`
	Knowledge KnowledgeConfig           `json:"knowledge"`
	Channels  ChannelsConfig            `json:"channels"`
	Memory    MemoryConfig              `json:"memory"`
	Tickets   TicketsConfig             `json:"tickets"`
	Metrics   MetricsConfig             `json:"metrics"`
	API       APIConfig                 `json:"api"`
}

type GeneralConfig struct {
	LogLevel              string   `json:"logLevel"`
	LogFile               string   `json:"logFile,omitempty"` // optional log file path
	DefaultEmbedder       string   `json:"defaultEmbedder"`
	FailoverChain         []string `json:"failoverChain,omitempty"` // embedder failover order
	MaxConcurrentMessages int      `json:"maxConcurrentMessages"`
	// Conversations idle for longer than this lose their rolling context.
	ContextIdleMinutes int `json:"contextIdleMinutes"`
	RequestTimeoutSec  int `json:"requestTimeoutSeconds"`
}

// EmbedderConfig configures one embedding backend.
type EmbedderConfig struct {
	Enabled         bool   `json:"enabled"`
	Kind            string `json:"kind,omitempty"` // "ollama" | "openai"; defaults to the entry name
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	Model           string `json:"model,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
}

type KnowledgeConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
	// Entries whose title starts with one of these prefixes are service
	// requests and are not indexed.
	ExcludePrefixes []string           `json:"excludePrefixes"`
	Weights         corpus.FieldWeights `json:"weights"`
	BatchSize       int                `json:"batchSize"`
	Workers         int                `json:"workers"`
	QueryCacheSize  int                `json:"queryCacheSize"`
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`
	Slack     SlackConfig     `json:"slack"`
	WebSocket WebSocketConfig `json:"websocket"`
	CLI       CLIConfig       `json:"cli"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"`
}

// SlackConfig uses Socket Mode, which needs both a bot and an app-level token.
type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"`
}

// WebSocketConfig mounts the web chat endpoint on the API server.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type MemoryConfig struct {
	DBPath                    string `json:"dbPath"`
	MaxHistoryPerConversation int    `json:"maxHistoryPerConversation"`
}

// TicketsConfig configures where escalations go besides the local queue.
type TicketsConfig struct {
	Jira JiraConfig `json:"jira"`
}

type JiraConfig struct {
	Enabled    bool     `json:"enabled"`
	BaseURL    string   `json:"baseUrl,omitempty"`
	ProjectKey string   `json:"projectKey,omitempty"`
	IssueType  string   `json:"issueType,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	AuthHeader string   `json:"authHeader,omitempty"` // base64 user:token for Basic auth
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.supportbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".supportbot"
	}
	return filepath.Join(home, ".supportbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Knowledge.Path = ExpandPath(cfg.Knowledge.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.General.ContextIdleMinutes < 0 {
		errs = append(errs, "general.contextIdleMinutes must be >= 0")
	}

	s := cfg.Scoring
	if s.Alpha < 0 || s.Alpha > 1 {
		errs = append(errs, "scoring.alpha must be between 0 and 1")
	}
	if s.Decay < 0 || s.Decay > 1 {
		errs = append(errs, "scoring.decay must be between 0 and 1")
	}
	if s.CosineFloor < -1 || s.CosineFloor > 1 {
		errs = append(errs, "scoring.cosineFloor must be between -1 and 1")
	}
	if s.FusedFloor < 0 || s.FusedFloor > 1 {
		errs = append(errs, "scoring.fusedFloor must be between 0 and 1")
	}
	if s.AmbiguityDelta < 0 {
		errs = append(errs, "scoring.ambiguityDelta must be >= 0")
	}
	if s.MaxHistory < 1 {
		errs = append(errs, "scoring.maxHistory must be >= 1")
	}
	if s.TopK < 1 {
		errs = append(errs, "scoring.topK must be >= 1")
	}
	if s.TopN < 1 {
		errs = append(errs, "scoring.topN must be >= 1")
	}
	if s.QueryWeight < 0 || s.ContextWeight < 0 || s.QueryWeight+s.ContextWeight == 0 {
		errs = append(errs, "scoring.queryWeight and scoring.contextWeight must be >= 0 and not both zero")
	}

	if cfg.Knowledge.Path == "" {
		errs = append(errs, "knowledge.path is required")
	}
	if cfg.Knowledge.BatchSize < 0 || cfg.Knowledge.Workers < 0 {
		errs = append(errs, "knowledge.batchSize and knowledge.workers must be >= 0")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.Memory.MaxHistoryPerConversation < 1 {
		errs = append(errs, "memory.maxHistoryPerConversation must be >= 1")
	}

	if _, ok := cfg.Embedders[cfg.General.DefaultEmbedder]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultEmbedder references unknown embedder: %s", cfg.General.DefaultEmbedder))
	}
	for _, name := range cfg.General.FailoverChain {
		if _, ok := cfg.Embedders[name]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown embedder: %s", name))
		}
	}
	for name, ec := range cfg.Embedders {
		if !ec.Enabled {
			continue
		}
		switch ec.KindOrName(name) {
		case "ollama":
		case "openai":
			if ec.APIKey == "" && ec.APIBase == "" {
				errs = append(errs, fmt.Sprintf("embedders.%s: apiKey or apiBase is required", name))
			}
		default:
			if ec.APIBase == "" {
				errs = append(errs, fmt.Sprintf("embedders.%s: apiBase is required for OpenAI-compatible embedders", name))
			}
		}
	}

	if j := cfg.Tickets.Jira; j.Enabled && (j.BaseURL == "" || j.ProjectKey == "") {
		errs = append(errs, "tickets.jira: baseUrl and projectKey are required when jira is enabled")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if sc := cfg.Channels.Slack; sc.Enabled && (sc.BotToken == "" || sc.AppToken == "") {
		errs = append(errs, "channels.slack: botToken and appToken are required when slack is enabled")
	}
	if ws := cfg.Channels.WebSocket; ws.Enabled {
		if !cfg.API.Enabled {
			errs = append(errs, "channels.websocket requires api.enabled")
		}
		if !strings.HasPrefix(ws.Path, "/") {
			errs = append(errs, "channels.websocket.path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// KindOrName returns the backend kind, falling back to the entry name.
func (ec EmbedderConfig) KindOrName(name string) string {
	if ec.Kind != "" {
		return ec.Kind
	}
	return name
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
