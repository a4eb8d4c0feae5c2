package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := baseConfig(t)

	assert.Equal(t, 10000, cfg.Engine.QueueCapacity)
	assert.Equal(t, 8, cfg.Engine.EvaluationConcurrency)
	assert.Equal(t, 24, cfg.Engine.ContextWindowHours)
	assert.Equal(t, 7, cfg.Engine.RetentionDays)
	assert.Equal(t, time.Hour, cfg.Engine.GCInterval)
	assert.Equal(t, 100, cfg.Engine.RegexTimeoutMs)
	assert.EqualValues(t, 5, cfg.Engine.CircuitBreaker.MaxFailures)
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoDB.URI)
	assert.Equal(t, "vigil", cfg.MongoDB.Database)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "vigil:notifications", cfg.Redis.Channel)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := `
engine:
  queue_capacity: 500
  evaluation_concurrency: 2
mongodb:
  database: vigil_test
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Engine.QueueCapacity)
	assert.Equal(t, 2, cfg.Engine.EvaluationConcurrency)
	assert.Equal(t, "vigil_test", cfg.MongoDB.Database)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset keys keep their defaults.
	assert.Equal(t, 4, cfg.Engine.ActionWorkerCount)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	viper.Reset()
	t.Chdir(t.TempDir())
	t.Setenv("VIGIL_ENGINE_QUEUE_CAPACITY", "256")
	t.Setenv("VIGIL_MONGODB_URI", "mongodb://db.internal:27017")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Engine.QueueCapacity)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.MongoDB.URI)
}

func TestLoadConfigInvalidFileValue(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := "engine:\n  queue_capacity: -1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "engine.queue_capacity")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.Engine.EvaluationConcurrency = 0 }, "evaluation_concurrency"},
		{"zero retention", func(c *Config) { c.Engine.RetentionDays = 0 }, "retention_days"},
		{"gc interval too short", func(c *Config) { c.Engine.GCInterval = time.Second }, "gc_interval"},
		{"regex timeout too large", func(c *Config) { c.Engine.RegexTimeoutMs = 5000 }, "regex_timeout_ms"},
		{"flow depth too small", func(c *Config) { c.Engine.MaxFlowDepth = 1 }, "max_flow_depth"},
		{"bad mongo scheme", func(c *Config) { c.MongoDB.URI = "postgres://localhost" }, "mongodb.uri"},
		{"empty database", func(c *Config) { c.MongoDB.Database = "" }, "mongodb.database"},
		{
			"webhook enabled without url",
			func(c *Config) { c.Notifications.Webhook.Enabled = true },
			"notifications.webhook.url",
		},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
