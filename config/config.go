package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the vigil service.
type Config struct {
	Engine struct {
		// QueueCapacity bounds the ingestion queue; events beyond it are
		// dropped, not buffered.
		QueueCapacity int `mapstructure:"queue_capacity"`
		// EvaluationConcurrency is the batch size and the number of
		// concurrent evaluation workers.
		EvaluationConcurrency int `mapstructure:"evaluation_concurrency"`
		ActionWorkerCount     int `mapstructure:"action_worker_count"`
		// ContextWindowHours is the trailing window for related-event lookup.
		ContextWindowHours int `mapstructure:"context_window_hours"`
		// RetentionDays bounds how long archived correlation events and
		// per-rule tracking state are kept.
		RetentionDays  int           `mapstructure:"retention_days"`
		GCInterval     time.Duration `mapstructure:"gc_interval"`
		ActionTimeout  time.Duration `mapstructure:"action_timeout"`
		RegexTimeoutMs int           `mapstructure:"regex_timeout_ms"`
		// MaxFlowPaths caps the number of chains the flow pattern search may
		// accumulate before stopping.
		MaxFlowPaths int `mapstructure:"max_flow_paths"`
		// MaxFlowDepth bounds the flow search regardless of configured
		// flow_length.
		MaxFlowDepth int `mapstructure:"max_flow_depth"`

		CircuitBreaker struct {
			MaxFailures         uint32        `mapstructure:"max_failures"`
			Timeout             time.Duration `mapstructure:"timeout"`
			MaxHalfOpenRequests uint32        `mapstructure:"max_half_open_requests"`
		} `mapstructure:"circuit_breaker"`
	} `mapstructure:"engine"`

	MongoDB struct {
		URI         string `mapstructure:"uri"`
		Database    string `mapstructure:"database"`
		MaxPoolSize uint64 `mapstructure:"max_pool_size"`
	} `mapstructure:"mongodb"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"redis"`

	Notifications struct {
		Webhook struct {
			Enabled     bool   `mapstructure:"enabled"`
			URL         string `mapstructure:"url"`
			MinSeverity string `mapstructure:"min_severity"`
			TimeoutSec  int    `mapstructure:"timeout_sec"`
		} `mapstructure:"webhook"`
	} `mapstructure:"notifications"`

	Logging struct {
		Level string `mapstructure:"level"` // debug, info, warn, error
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"logging"`
}

func setDefaults() {
	viper.SetDefault("engine.queue_capacity", 10000)
	viper.SetDefault("engine.evaluation_concurrency", 8)
	viper.SetDefault("engine.action_worker_count", 4)
	viper.SetDefault("engine.context_window_hours", 24)
	viper.SetDefault("engine.retention_days", 7)
	viper.SetDefault("engine.gc_interval", time.Hour)
	viper.SetDefault("engine.action_timeout", 10*time.Second)
	viper.SetDefault("engine.regex_timeout_ms", 100)
	viper.SetDefault("engine.max_flow_paths", 1000)
	viper.SetDefault("engine.max_flow_depth", 10)
	viper.SetDefault("engine.circuit_breaker.max_failures", 5)
	viper.SetDefault("engine.circuit_breaker.timeout", 60*time.Second)
	viper.SetDefault("engine.circuit_breaker.max_half_open_requests", 1)

	viper.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongodb.database", "vigil")
	viper.SetDefault("mongodb.max_pool_size", 100)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.channel", "vigil:notifications")

	viper.SetDefault("notifications.webhook.enabled", false)
	viper.SetDefault("notifications.webhook.min_severity", "low")
	viper.SetDefault("notifications.webhook.timeout_sec", 10)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.json", true)
}

// LoadConfig reads config.yaml from the working directory or /etc/vigil,
// applies VIGIL_* environment overrides, and validates the result. A missing
// config file is not an error; defaults apply.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/vigil")

	viper.SetEnvPrefix("VIGIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	e := &cfg.Engine
	if e.QueueCapacity <= 0 {
		return fmt.Errorf("engine.queue_capacity must be positive, got %d", e.QueueCapacity)
	}
	if e.EvaluationConcurrency <= 0 {
		return fmt.Errorf("engine.evaluation_concurrency must be positive, got %d", e.EvaluationConcurrency)
	}
	if e.ActionWorkerCount <= 0 {
		return fmt.Errorf("engine.action_worker_count must be positive, got %d", e.ActionWorkerCount)
	}
	if e.ContextWindowHours <= 0 {
		return fmt.Errorf("engine.context_window_hours must be positive, got %d", e.ContextWindowHours)
	}
	if e.RetentionDays <= 0 {
		return fmt.Errorf("engine.retention_days must be positive, got %d", e.RetentionDays)
	}
	if e.GCInterval < time.Minute {
		return fmt.Errorf("engine.gc_interval must be at least 1m, got %s", e.GCInterval)
	}
	if e.RegexTimeoutMs <= 0 || e.RegexTimeoutMs > 1000 {
		return fmt.Errorf("engine.regex_timeout_ms must be in (0, 1000], got %d", e.RegexTimeoutMs)
	}
	if e.MaxFlowPaths <= 0 {
		return fmt.Errorf("engine.max_flow_paths must be positive, got %d", e.MaxFlowPaths)
	}
	if e.MaxFlowDepth < 2 {
		return fmt.Errorf("engine.max_flow_depth must be at least 2, got %d", e.MaxFlowDepth)
	}

	if cfg.MongoDB.URI == "" {
		return fmt.Errorf("mongodb.uri cannot be empty")
	}
	if !strings.HasPrefix(cfg.MongoDB.URI, "mongodb://") && !strings.HasPrefix(cfg.MongoDB.URI, "mongodb+srv://") {
		return fmt.Errorf("mongodb.uri must start with mongodb:// or mongodb+srv://")
	}
	if cfg.MongoDB.Database == "" {
		return fmt.Errorf("mongodb.database cannot be empty")
	}

	if cfg.Notifications.Webhook.Enabled {
		u, err := url.Parse(cfg.Notifications.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("notifications.webhook.url must be a valid http(s) URL")
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}

	return nil
}
