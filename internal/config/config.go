package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"dev"`
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// OpenTelemetry (traces)
	OTELExporterOTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName          string `env:"OTEL_SERVICE_NAME"`

	Redis Redis `envPrefix:"REDIS_"`

	MaxConcurrentTasks  int           `env:"MAX_CONCURRENT_TASKS" envDefault:"10"`
	TaskTimeout         time.Duration `env:"TASK_TIMEOUT" envDefault:"120s"`
	TaskRetryAttempts   int           `env:"TASK_RETRY_ATTEMPTS" envDefault:"3"`
	TaskCleanupInterval time.Duration `env:"TASK_CLEANUP_INTERVAL" envDefault:"300s"`

	RateLimitPerMinute int `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitPerHour   int `env:"RATE_LIMIT_REQUESTS_HOURLY" envDefault:"0"` // 0 = per-minute * 60
}

type Redis struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

func Load() (*Config, error) {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be >= 1")
	}
	if c.TaskRetryAttempts < 1 || c.TaskRetryAttempts > 100 {
		return fmt.Errorf("TASK_RETRY_ATTEMPTS must be 1..100")
	}
	if c.TaskTimeout < 10*time.Second || c.TaskTimeout > 300*time.Second {
		return fmt.Errorf("TASK_TIMEOUT must be 10s..300s")
	}
	if c.TaskCleanupInterval <= 0 {
		return fmt.Errorf("TASK_CLEANUP_INTERVAL must be > 0")
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be >= 1")
	}
	if c.RateLimitPerHour < 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS_HOURLY must be >= 0")
	}
	return nil
}
