package stakingd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so configs can say "250ms" or "2s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of stakingd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"env" toml:"env"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Redis         RedisConfig     `yaml:"redis" toml:"redis"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Staking       StakingConfig   `yaml:"staking" toml:"staking"`
	Webhook       WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the ledger database.
type DatabaseConfig struct {
	Driver      string `yaml:"driver" toml:"driver"`
	DSN         string `yaml:"dsn" toml:"dsn"`
	DSNEnv      string `yaml:"dsn_env" toml:"dsn_env"`
	AutoMigrate bool   `yaml:"auto_migrate" toml:"auto_migrate"`
}

// RedisConfig enables cross-replica position locks. Empty Addr keeps locks
// in-process.
type RedisConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	Password    string   `yaml:"password" toml:"password"`
	PasswordEnv string   `yaml:"password_env" toml:"password_env"`
	DB          int      `yaml:"db" toml:"db"`
	LockTTL     Duration `yaml:"lock_ttl" toml:"lock_ttl"`
}

// AuthConfig configures HS256 bearer token verification.
type AuthConfig struct {
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	Leeway         Duration `yaml:"leeway" toml:"leeway"`
	RevenueScope   string   `yaml:"revenue_scope" toml:"revenue_scope"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StakingConfig tunes the staking engine.
type StakingConfig struct {
	Scale           int32    `yaml:"scale" toml:"scale"`
	DefaultLockDays int      `yaml:"default_lock_days" toml:"default_lock_days"`
	LockTimeout     Duration `yaml:"lock_timeout" toml:"lock_timeout"`
	RetryAttempts   int      `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryInitial    Duration `yaml:"retry_initial" toml:"retry_initial"`
}

// WebhookConfig enables signed event deliveries.
type WebhookConfig struct {
	Endpoint  string   `yaml:"endpoint" toml:"endpoint"`
	Secret    string   `yaml:"secret" toml:"secret"`
	SecretEnv string   `yaml:"secret_env" toml:"secret_env"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	// DrainTimeout bounds how long shutdown waits for queued deliveries.
	DrainTimeout Duration `yaml:"drain_timeout" toml:"drain_timeout"`
}

// LoggingConfig tunes the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoadConfig reads configuration from path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Auth.RevenueScope == "" {
		cfg.Auth.RevenueScope = "revenue:write"
	}
	if cfg.Auth.Leeway.Duration == 0 {
		cfg.Auth.Leeway.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.Staking.Scale <= 0 {
		cfg.Staking.Scale = 2
	}
	if cfg.Staking.DefaultLockDays <= 0 {
		cfg.Staking.DefaultLockDays = 90
	}
	if cfg.Staking.LockTimeout.Duration == 0 {
		cfg.Staking.LockTimeout.Duration = 2 * time.Second
	}
	if cfg.Staking.RetryAttempts <= 0 {
		cfg.Staking.RetryAttempts = 3
	}
	if cfg.Staking.RetryInitial.Duration == 0 {
		cfg.Staking.RetryInitial.Duration = 25 * time.Millisecond
	}
	if cfg.Redis.LockTTL.Duration == 0 {
		cfg.Redis.LockTTL.Duration = 10 * time.Second
	}
	if cfg.Webhook.Timeout.Duration == 0 {
		cfg.Webhook.Timeout.Duration = 15 * time.Second
	}
	if cfg.Webhook.DrainTimeout.Duration == 0 {
		cfg.Webhook.DrainTimeout.Duration = 5 * time.Second
	}
}

func (c *Config) normalise() error {
	var err error
	if c.Database.DSN, err = resolveSecret(c.Database.DSN, c.Database.DSNEnv, ""); err != nil {
		return fmt.Errorf("database dsn: %w", err)
	}
	if c.Redis.Password, err = resolveSecret(c.Redis.Password, c.Redis.PasswordEnv, ""); err != nil {
		return fmt.Errorf("redis password: %w", err)
	}
	if c.Auth.HMACSecret, err = resolveSecret(c.Auth.HMACSecret, c.Auth.HMACSecretEnv, c.Auth.HMACSecretFile); err != nil {
		return fmt.Errorf("auth secret: %w", err)
	}
	if c.Webhook.Secret, err = resolveSecret(c.Webhook.Secret, c.Webhook.SecretEnv, ""); err != nil {
		return fmt.Errorf("webhook secret: %w", err)
	}
	c.Webhook.Endpoint = strings.TrimSpace(c.Webhook.Endpoint)
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	return nil
}

// resolveSecret prefers an inline value, then the named environment
// variable, then the file contents.
func resolveSecret(inline, envName, file string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		value := strings.TrimSpace(os.Getenv(envName))
		if value == "" {
			return "", fmt.Errorf("environment variable %s is empty", envName)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres", "postgresql", "sqlite":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac secret must be configured")
	}
	if len(cfg.Auth.HMACSecret) < 32 {
		return fmt.Errorf("auth hmac secret must be at least 32 bytes")
	}
	if cfg.Webhook.Endpoint != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret required when endpoint is set")
	}
	if cfg.Staking.Scale > 18 {
		return fmt.Errorf("staking scale must not exceed 18")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within 0..1")
	}
	return nil
}
