package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults verifies the defaults used when nothing is configured.
func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 2, cfg.Queue.HighWorkers)
	assert.Equal(t, 1, cfg.Queue.LowWorkers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 120*time.Second, cfg.Safety.Timeout)
	assert.Equal(t, 10, cfg.Safety.RateLimitPerWindow)
	assert.Equal(t, time.Hour, cfg.Safety.RateWindow)
	assert.Equal(t, 100, cfg.Health.QueueFailedCritical)
	assert.Empty(t, cfg.Database.URL)
}

// TestLoadEnvOverrides verifies that SCANRELAY_ variables win over the file.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCANRELAY_QUEUE_HIGH_WORKERS", "4")
	t.Setenv("SCANRELAY_SAFETY_TIMEOUT", "30s")
	t.Setenv("SCANRELAY_SERVER_LOG_LEVEL", "debug")

	cfg, err := LoadFrom(writeConfig(t, "queue:\n  high_workers: 3\n"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Queue.HighWorkers)
	assert.Equal(t, 30*time.Second, cfg.Safety.Timeout)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad log level", yaml: "server:\n  log_level: loud\n"},
		{name: "zero workers", yaml: "queue:\n  low_workers: 0\n"},
		{name: "backoff max below base", yaml: "queue:\n  backoff_base: 10s\n  backoff_max: 1s\n"},
		{name: "short jwt secret", yaml: "auth:\n  jwt_secret: short\n"},
		{name: "bad database url", yaml: "database:\n  url: not a url\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tt.yaml))
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 50, cfg.DeadLetter.MaxBatchRetry)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
