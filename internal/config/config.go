// Package config loads the quotebot configuration from a YAML file with
// environment variable fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// APIKey guards the mutating conversation endpoints.
	APIKey string `yaml:"api_key"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Callback CallbackConfig `yaml:"callback"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`

	Completion CompletionConfig `yaml:"completion"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Log        LogConfig        `yaml:"log"`
}

// UpstreamConfig configures the conversational-AI backend client.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// MaxConns bounds the outbound connection pool.
	MaxConns int `yaml:"max_conns"`
}

// CallbackConfig configures result delivery to the originating site.
type CallbackConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// SweepInterval is the cron spec for re-enqueueing complete
	// conversations whose delivery was lost to a crash.
	SweepInterval string `yaml:"sweep_interval"`
}

// RedisConfig configures the fast-path cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresConfig configures the durable store.
type PostgresConfig struct {
	DSN      string        `yaml:"dsn"`
	MaxConns int32         `yaml:"max_conns"`
	MinConns int32         `yaml:"min_conns"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CompletionConfig configures completion detection.
type CompletionConfig struct {
	Keywords       []string `yaml:"keywords"`
	RequiredFields []string `yaml:"required_fields"`
}

// RateLimitConfig configures per-client request limits.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads configuration from a YAML file, applies defaults, and pulls
// secrets from the environment when the file leaves them empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for tests
// and dev mode.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Upstream.MaxConns == 0 {
		c.Upstream.MaxConns = 100
	}
	if c.Callback.Timeout == 0 {
		c.Callback.Timeout = 10 * time.Second
	}
	if c.Callback.MaxAttempts == 0 {
		c.Callback.MaxAttempts = 5
	}
	if c.Callback.BaseDelay == 0 {
		c.Callback.BaseDelay = time.Second
	}
	if c.Callback.MaxDelay == 0 {
		c.Callback.MaxDelay = time.Minute
	}
	if c.Callback.SweepInterval == "" {
		c.Callback.SweepInterval = "@every 5m"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 20
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = 2
	}
	if c.Postgres.Timeout == 0 {
		c.Postgres.Timeout = 5 * time.Second
	}
	if len(c.Completion.Keywords) == 0 {
		c.Completion.Keywords = []string{
			"thank you for providing all the information",
			"we'll send you a quote",
			"our team will contact you",
			"conversation complete",
			"ajánlatot küldünk",
		}
	}
	if len(c.Completion.RequiredFields) == 0 {
		c.Completion.RequiredFields = []string{
			"customer_name",
			"customer_email",
			"product_type",
		}
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 1
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("QUOTEBOT_API_KEY")
	}
	if c.Upstream.APIKey == "" {
		c.Upstream.APIKey = os.Getenv("UPSTREAM_API_KEY")
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = os.Getenv("UPSTREAM_API_URL")
	}
	if c.Callback.URL == "" {
		c.Callback.URL = os.Getenv("CALLBACK_URL")
	}
	if c.Postgres.DSN == "" {
		c.Postgres.DSN = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
}

// Validate checks that the settings a running server cannot do without are
// present.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream.api_key is required")
	}
	if c.Callback.URL == "" {
		return fmt.Errorf("callback.url is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	return nil
}
