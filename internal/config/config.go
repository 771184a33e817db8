package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Queue      QueueConfig      `mapstructure:"queue" validate:"required"`
	Safety     SafetyConfig     `mapstructure:"safety" validate:"required"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter" validate:"required"`
	Health     HealthConfig     `mapstructure:"health" validate:"required"`
	Attest     AttestConfig     `mapstructure:"attest"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
	Alerts     AlertConfig      `mapstructure:"alerts"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL runs every store in memory.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig points the rate limiter at a shared Redis. An empty Addr keeps
// rate windows in process memory.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AuthConfig contains the settings for administrative endpoints.
type AuthConfig struct {
	// JWTSecret signs admin tokens; when empty the admin routes are disabled.
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
}

// QueueConfig tunes lanes, leases and retry backoff.
type QueueConfig struct {
	HighWorkers     int           `mapstructure:"high_workers" validate:"gt=0"`
	LowWorkers      int           `mapstructure:"low_workers" validate:"gt=0"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gt=0"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ReapInterval    time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	PurgeAfter      time.Duration `mapstructure:"purge_after"`
	EventBufferSize int           `mapstructure:"event_buffer_size" validate:"gt=0"`
}

// SafetyConfig holds per-execution containment limits.
type SafetyConfig struct {
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MemoryLimitMB      int           `mapstructure:"memory_limit_mb" validate:"gt=0"`
	MemorySampleEvery  time.Duration `mapstructure:"memory_sample_every" validate:"gt=0"`
	RateLimitPerWindow int           `mapstructure:"rate_limit_per_window" validate:"gt=0"`
	RateWindow         time.Duration `mapstructure:"rate_window" validate:"gt=0"`
}

// DeadLetterConfig holds alert thresholds and retry caps.
type DeadLetterConfig struct {
	HighFailureRateThreshold    int `mapstructure:"high_failure_rate_threshold" validate:"gt=0"`
	ConsecutiveFailureThreshold int `mapstructure:"consecutive_failure_threshold" validate:"gt=0"`
	MaxBatchRetry               int `mapstructure:"max_batch_retry" validate:"gt=0"`
	RetentionDays               int `mapstructure:"retention_days" validate:"gte=0"`
}

// HealthConfig holds checker thresholds and the check interval.
type HealthConfig struct {
	Interval            time.Duration `mapstructure:"interval" validate:"gt=0"`
	QueueFailedCritical int           `mapstructure:"queue_failed_critical" validate:"gt=0"`
	QueueBacklogWarning int           `mapstructure:"queue_backlog_warning" validate:"gt=0"`
	MemoryCeilingMB     int           `mapstructure:"memory_ceiling_mb" validate:"gt=0"`
	MetricsWindow       time.Duration `mapstructure:"metrics_window" validate:"gt=0"`
}

// AttestConfig locates the executor's sealed signing key.
type AttestConfig struct {
	KeyPath       string `mapstructure:"key_path"`
	KeyPassphrase string `mapstructure:"key_passphrase"`
}

// ScannerConfig points at the remote scan engine.
type ScannerConfig struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AlertConfig selects where alerts are forwarded.
type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}
