package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override,
// e.g. SCANRELAY_QUEUE_HIGH_WORKERS.
const EnvPrefix = "SCANRELAY"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom behaves like Load but reads the given config file instead of
// searching the working directory for config.yaml.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file is fine when searching; an explicit path must exist
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct validation over a Config.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "scanrelay:rate:")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("queue.high_workers", 2)
	v.SetDefault("queue.low_workers", 1)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	v.SetDefault("queue.lease_ttl", 3*time.Minute)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.reap_interval", 30*time.Second)
	v.SetDefault("queue.purge_after", 7*24*time.Hour)
	v.SetDefault("queue.event_buffer_size", 256)

	v.SetDefault("safety.timeout", 120*time.Second)
	v.SetDefault("safety.memory_limit_mb", 2048)
	v.SetDefault("safety.memory_sample_every", time.Second)
	v.SetDefault("safety.rate_limit_per_window", 10)
	v.SetDefault("safety.rate_window", time.Hour)

	v.SetDefault("dead_letter.high_failure_rate_threshold", 50)
	v.SetDefault("dead_letter.consecutive_failure_threshold", 3)
	v.SetDefault("dead_letter.max_batch_retry", 50)
	v.SetDefault("dead_letter.retention_days", 30)

	v.SetDefault("health.interval", time.Minute)
	v.SetDefault("health.queue_failed_critical", 100)
	v.SetDefault("health.queue_backlog_warning", 500)
	v.SetDefault("health.memory_ceiling_mb", 2048)
	v.SetDefault("health.metrics_window", 24*time.Hour)

	v.SetDefault("attest.key_path", "")
	v.SetDefault("attest.key_passphrase", "")

	v.SetDefault("scanner.url", "")
	v.SetDefault("scanner.timeout", 150*time.Second)

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.timeout", 5*time.Second)
}
