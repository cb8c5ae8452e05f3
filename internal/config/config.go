package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DispatchInline     = "inline"
	DispatchBackground = "background"
	DispatchQueued     = "queued"
)

// Config centralizes runtime settings for the API, workers and operator CLI.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	AuthToken string `env:"API_AUTH_TOKEN"`

	DatabaseURL     string `env:"DATABASE_URL"`
	DBMaxConns      int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	MigrateOnStart  bool   `env:"MIGRATE_ON_START" envDefault:"false"`
	DBDialTimeoutMS int    `env:"DB_DIAL_TIMEOUT_MS" envDefault:"5000"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisStream   string `env:"REDIS_STREAM" envDefault:"apex_jobs"`
	RedisDLQ      string `env:"REDIS_DLQ_STREAM" envDefault:"apex_jobs_dlq"`
	RedisGroup    string `env:"REDIS_GROUP" envDefault:"apex_workers"`
	RedisConsumer string `env:"REDIS_CONSUMER" envDefault:"api-1"`
	// RedisClaimMinIdle is how long an unacknowledged entry may sit with a
	// consumer before another one takes it over.
	RedisClaimMinIdle time.Duration `env:"REDIS_CLAIM_MIN_IDLE" envDefault:"1m"`

	DispatchMode  string `env:"DISPATCH_MODE" envDefault:"background"`
	WorkerEnabled bool   `env:"WORKER_ENABLED" envDefault:"true"`

	// StaleThreshold has no default: zero disables the operator stale endpoints.
	StaleThreshold time.Duration `env:"JOBS_STALE_THRESHOLD"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	// LLMAPIKey enables model-backed document validation and narratives;
	// empty keeps the deterministic fallbacks.
	LLMAPIKey     string        `env:"LLM_API_KEY"`
	LLMBaseURL    string        `env:"LLM_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	LLMModel      string        `env:"LLM_MODEL" envDefault:"openai/gpt-4.1-mini"`
	LLMTimeout    time.Duration `env:"LLM_TIMEOUT" envDefault:"30s"`
	LLMMaxRetries int           `env:"LLM_MAX_RETRIES" envDefault:"2"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.DispatchMode))
	switch mode {
	case DispatchInline, DispatchBackground:
	case DispatchQueued:
		if c.RedisAddr == "" && !c.WorkerEnabled {
			return fmt.Errorf("DISPATCH_MODE=queued requires REDIS_ADDR or WORKER_ENABLED=true")
		}
	default:
		return fmt.Errorf("invalid DISPATCH_MODE=%q (expected inline|background|queued)", c.DispatchMode)
	}
	c.DispatchMode = mode

	if c.StaleThreshold < 0 {
		return fmt.Errorf("JOBS_STALE_THRESHOLD must be positive, got %s", c.StaleThreshold)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive, got rps=%v burst=%d", c.RateLimitRPS, c.RateLimitBurst)
	}

	if c.LLMAPIKey != "" && strings.TrimSpace(c.LLMModel) == "" {
		return fmt.Errorf("LLM_MODEL is required when LLM_API_KEY is set")
	}

	format := strings.ToLower(strings.TrimSpace(c.LogFormat))
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid LOG_FORMAT=%q (expected text|json)", c.LogFormat)
	}
	c.LogFormat = format
	return nil
}

func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.DBDialTimeoutMS) * time.Millisecond
}
