// Package config defines the engine's configuration, populated from a
// TOML file and then overridden by ENGINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Limits    LimitsConfig    `toml:"limits"`
	Disburser DisburserConfig `toml:"disburser"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection string. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// RedisConfig holds the cache connection. An empty URL disables caching.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// LimitsConfig holds per-user exposure limits in shares. Zero disables a
// limit.
type LimitsConfig struct {
	MaxPerMarket int64 `toml:"max_per_market"`
	MaxPerSeason int64 `toml:"max_per_season"`
}

// DisburserConfig tunes the payout dispatcher. An empty webhook URL
// selects a log-only disburser for development.
type DisburserConfig struct {
	WebhookURL   string   `toml:"webhook_url"`
	PollInterval duration `toml:"poll_interval"`
	BatchSize    int      `toml:"batch_size"`
	MaxAttempts  int      `toml:"max_attempts"`
	BaseBackoff  duration `toml:"base_backoff"`
}

// duration wraps time.Duration for TOML string decoding ("5s", "1m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Disburser: DisburserConfig{
			PollInterval: duration{5 * time.Second},
			BatchSize:    50,
			MaxAttempts:  5,
			BaseBackoff:  duration{500 * time.Millisecond},
		},
		LogLevel: "info",
	}
}

// Load reads the TOML file at path (skipped when path is empty or the
// file is absent), merges it over the defaults, then applies ENGINE_*
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")
	setInt64(&cfg.Limits.MaxPerMarket, "ENGINE_LIMITS_MAX_PER_MARKET")
	setInt64(&cfg.Limits.MaxPerSeason, "ENGINE_LIMITS_MAX_PER_SEASON")
	setStr(&cfg.Disburser.WebhookURL, "ENGINE_DISBURSER_WEBHOOK_URL")
	setDuration(&cfg.Disburser.PollInterval, "ENGINE_DISBURSER_POLL_INTERVAL")
	setInt(&cfg.Disburser.BatchSize, "ENGINE_DISBURSER_BATCH_SIZE")
	setInt(&cfg.Disburser.MaxAttempts, "ENGINE_DISBURSER_MAX_ATTEMPTS")
	setDuration(&cfg.Disburser.BaseBackoff, "ENGINE_DISBURSER_BASE_BACKOFF")
	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable
// is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
