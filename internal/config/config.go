// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	DBPath          string
	BootstrapSecret string
	LogLevel        slog.Level
	MaxRequestBody  int64

	Conversation ConversationConfig
	Retention    RetentionConfig
	LLM          LLMConfig
	Search       SearchConfig
	Queue        QueueConfig
	RateLimit    RateLimitConfig
}

// ConversationConfig bounds the per-job model loop.
type ConversationConfig struct {
	HistoryLimit  int
	MaxInputChars int
	MaxSearches   int
	SafetyCap     int
	HardTurnLimit int // 0 = unbounded
	ModelTimeout  time.Duration
}

// RetentionConfig controls the inactive-session sweeper.
type RetentionConfig struct {
	Days        int
	MinInterval time.Duration
	Tick        time.Duration
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider    string
	Model       string
	SearchModel string
	APIKey      string
	BaseURL     string
}

// SearchConfig selects the web_search backend.
type SearchConfig struct {
	Backend    string
	SearXNGURL string
}

// QueueConfig selects how jobs reach the worker pool.
type QueueConfig struct {
	Backend     string
	Concurrency int
	RedisAddr   string
	RedisKey    string
}

// RateLimitConfig is the per-client request budget.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// TrustProxy keys clients by the forwarded address instead of the TCP
	// peer. Only enable it behind a proxy that overwrites X-Forwarded-For.
	TrustProxy bool
}

// Load reads configuration from environment variables. When CONFIG_FILE
// names a YAML file, its keys (the same names as the environment
// variables) provide defaults that the environment overrides.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileValues, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		src.file = fileValues
	}
	return load(src)
}

func load(src source) (*Config, error) {
	level, err := ParseLogLevel(src.getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider := strings.ToLower(src.getEnv("LLM_PROVIDER", "openai"))
	model, searchModel := providerDefaults(provider)

	cfg := &Config{
		Port:            src.getEnv("PORT", "8080"),
		DBPath:          src.getEnv("DB_PATH", "./data/sam-relay.db"),
		BootstrapSecret: src.getEnv("BOOTSTRAP_SECRET", ""),
		LogLevel:        level,
		MaxRequestBody:  int64(src.getEnvInt("MAX_REQUEST_BODY", 16384)),
		Conversation: ConversationConfig{
			HistoryLimit:  src.getEnvInt("HISTORY_LIMIT", 9),
			MaxInputChars: src.getEnvInt("MAX_INPUT_CHARS", 2048),
			MaxSearches:   src.getEnvInt("MAX_SEARCHES", 2),
			SafetyCap:     src.getEnvInt("MODEL_SAFETY_CAP", 12),
			HardTurnLimit: src.getEnvInt("MODEL_HARD_TURN_LIMIT", 32),
			ModelTimeout:  src.getEnvDuration("MODEL_TIMEOUT", 120*time.Second),
		},
		Retention: RetentionConfig{
			Days:        src.getEnvInt("RETENTION_DAYS", 7),
			MinInterval: src.getEnvDuration("SWEEP_MIN_INTERVAL", 24*time.Hour),
			Tick:        src.getEnvDuration("SWEEP_TICK", time.Hour),
		},
		LLM: LLMConfig{
			Provider:    provider,
			Model:       src.getEnv("LLM_MODEL", model),
			SearchModel: src.getEnv("LLM_SEARCH_MODEL", searchModel),
			APIKey:      src.getEnv("LLM_API_KEY", ""),
			BaseURL:     src.getEnv("LLM_BASE_URL", ""),
		},
		Search: SearchConfig{
			Backend:    strings.ToLower(src.getEnv("SEARCH_BACKEND", "model")),
			SearXNGURL: src.getEnv("SEARXNG_URL", ""),
		},
		Queue: QueueConfig{
			Backend:     strings.ToLower(src.getEnv("QUEUE_BACKEND", "memory")),
			Concurrency: src.getEnvInt("WORKER_CONCURRENCY", 8),
			RedisAddr:   src.getEnv("REDIS_ADDR", ""),
			RedisKey:    src.getEnv("REDIS_QUEUE_KEY", "sam-relay:jobs"),
		},
		RateLimit: RateLimitConfig{
			Requests:   src.getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:     src.getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			TrustProxy: src.getEnvBool("RATE_LIMIT_TRUST_PROXY", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.BootstrapSecret == "" {
		return fmt.Errorf("BOOTSTRAP_SECRET is required")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}

	conv := c.Conversation
	if conv.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if conv.MaxInputChars <= 0 {
		return fmt.Errorf("MAX_INPUT_CHARS must be > 0")
	}
	if conv.MaxSearches < 0 {
		return fmt.Errorf("MAX_SEARCHES must be >= 0")
	}
	if conv.SafetyCap <= 0 {
		return fmt.Errorf("MODEL_SAFETY_CAP must be > 0")
	}
	if conv.HardTurnLimit < 0 {
		return fmt.Errorf("MODEL_HARD_TURN_LIMIT must be >= 0")
	}
	if conv.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be > 0")
	}

	if c.Retention.Days <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be > 0")
	}
	if c.Retention.MinInterval < 0 || c.Retention.Tick < 0 {
		return fmt.Errorf("SWEEP_MIN_INTERVAL and SWEEP_TICK must be >= 0")
	}

	switch c.LLM.Provider {
	case "openai", "gemini", "ollama":
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of openai, gemini, ollama")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.LLM.Provider != "openai" && strings.Contains(c.LLM.SearchModel, "search-preview") {
		return fmt.Errorf("LLM_SEARCH_MODEL %q is only served by openai, not %s", c.LLM.SearchModel, c.LLM.Provider)
	}

	switch c.Search.Backend {
	case "model":
	case "searxng":
		if c.Search.SearXNGURL == "" {
			return fmt.Errorf("SEARXNG_URL is required when SEARCH_BACKEND=searxng")
		}
	default:
		return fmt.Errorf("SEARCH_BACKEND must be model or searxng")
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when QUEUE_BACKEND=redis")
		}
		if c.Queue.RedisKey == "" {
			return fmt.Errorf("REDIS_QUEUE_KEY cannot be empty")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be memory or redis")
	}

	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// providerDefaults returns the chat and retrieval models used when
// LLM_MODEL and LLM_SEARCH_MODEL are unset. An empty retrieval model
// means the chat model answers searches.
func providerDefaults(provider string) (model, searchModel string) {
	switch provider {
	case "openai":
		return "gpt-5-mini", "gpt-4o-mini-search-preview"
	case "gemini":
		return "gemini-2.5-flash", "gemini-2.5-flash"
	case "ollama":
		return "llama3.1", ""
	default:
		return "", ""
	}
}

// ParseLogLevel maps a LOG_LEVEL value to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}

// readFile loads a flat YAML mapping of variable names to values.
// ${VAR} references are expanded before parsing.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

// source resolves a key from the environment, then the config file.
type source struct {
	file map[string]string
	env  func(string) (string, bool)
}

func (s source) lookup(key string) (string, bool) {
	env := s.env
	if env == nil {
		env = os.LookupEnv
	}
	if value, ok := env(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

func (s source) getEnv(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s source) getEnvInt(key string, fallback int) int {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (s source) getEnvBool(key string, fallback bool) bool {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func (s source) getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
