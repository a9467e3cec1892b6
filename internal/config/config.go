// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL    string `env:"REDIS_URL,required,notEmpty"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`
	NumWorkers  int    `env:"NUM_WORKERS" envDefault:"50"`

	DeliveryUserAgent string        `env:"DELIVERY_USER_AGENT" envDefault:"pharmacy-webhooks/1.0"`
	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"30s"`

	RetryMaxAttempts        int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBaseDelay        time.Duration `env:"BACKOFF_BASE_DELAY" envDefault:"1s"`
	BackoffMultiplier       float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	BackoffMaxDelay         time.Duration `env:"BACKOFF_MAX_DELAY" envDefault:"1h"`
	BackoffJitterFactor     float64       `env:"BACKOFF_JITTER_FACTOR" envDefault:"0.1"`
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"1"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
	BreakerResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"1m"`

	DLQMaxAttempts     int           `env:"DLQ_MAX_ATTEMPTS" envDefault:"10"`
	DLQSweepInterval   time.Duration `env:"DLQ_SWEEP_INTERVAL" envDefault:"1m"`
	DLQCleanupInterval time.Duration `env:"DLQ_CLEANUP_INTERVAL" envDefault:"1h"`
	DLQRetention       time.Duration `env:"DLQ_RETENTION" envDefault:"168h"`
	DLQClaimLease      time.Duration `env:"DLQ_CLAIM_LEASE" envDefault:"15m"`

	IdempotencyBackend       string        `env:"IDEMPOTENCY_BACKEND" envDefault:"redis"`
	IdempotencyInboundTTL    time.Duration `env:"IDEMPOTENCY_INBOUND_TTL" envDefault:"168h"`
	IdempotencyDeliveryTTL   time.Duration `env:"IDEMPOTENCY_DELIVERY_TTL" envDefault:"24h"`
	IdempotencyProcessingTTL time.Duration `env:"IDEMPOTENCY_PROCESSING_TTL" envDefault:"5m"`
	IdempotencySweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL" envDefault:"1h"`

	InboundWebhookSecret string        `env:"INBOUND_WEBHOOK_SECRET,required,notEmpty"`
	InboundMaxDrift      time.Duration `env:"INBOUND_MAX_DRIFT" envDefault:"5m"`
}

// Load reads a .env file when one exists, then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config.Load: reading .env: %w", err)
	}
	return Parse()
}

// Parse reads configuration from the process environment only.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c Config) validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NUM_WORKERS must be at least 1, got %d", c.NumWorkers)
	}
	switch c.IdempotencyBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("IDEMPOTENCY_BACKEND must be redis or memory, got %q", c.IdempotencyBackend)
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RetryPolicy is the policy applied to subscriptions that do not set their own.
func (c Config) RetryPolicy() domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	p.MaxAttempts = c.RetryMaxAttempts
	p.Timeout = domain.Duration(c.DeliveryTimeout)
	p.Backoff = domain.BackoffConfig{
		BaseDelay:    domain.Duration(c.BackoffBaseDelay),
		Multiplier:   c.BackoffMultiplier,
		MaxDelay:     domain.Duration(c.BackoffMaxDelay),
		JitterFactor: c.BackoffJitterFactor,
	}
	p.CircuitBreaker = domain.BreakerConfig{
		FailureThreshold: c.BreakerFailureThreshold,
		SuccessThreshold: c.BreakerSuccessThreshold,
		OpenTimeout:      domain.Duration(c.BreakerOpenTimeout),
		ResetTimeout:     domain.Duration(c.BreakerResetTimeout),
	}
	return p
}
