package engine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

// Planner computes exponential retry delays with symmetric jitter.
type Planner struct {
	random func() float64
}

func NewPlanner() *Planner {
	return &Planner{random: rand.Float64}
}

// Delay returns min(base*mult^(attempt-1), max) scaled by 1 ± jitter.
// Attempts below 1 are treated as 1.
func (p *Planner) Delay(attempt int, cfg domain.BackoffConfig) time.Duration {
	d := baseDelay(attempt, cfg)
	if cfg.JitterFactor > 0 {
		d *= 1 + cfg.JitterFactor*(p.random()*2-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Sequence returns the first n delays without jitter.
func (p *Planner) Sequence(cfg domain.BackoffConfig, n int) []time.Duration {
	out := make([]time.Duration, 0, max(n, 0))
	for i := 1; i <= n; i++ {
		out = append(out, time.Duration(baseDelay(i, cfg)))
	}
	return out
}

func baseDelay(attempt int, cfg domain.BackoffConfig) float64 {
	if attempt < 1 {
		attempt = 1
	}
	limit := float64(cfg.MaxDelay.Std())
	d := float64(cfg.BaseDelay.Std()) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > limit {
		return limit
	}
	return d
}

// ValidateBackoff rejects configs that cannot produce a growing, bounded schedule.
func ValidateBackoff(cfg domain.BackoffConfig) error {
	switch {
	case cfg.Multiplier <= 1:
		return &domain.ConfigurationError{Field: "backoff.multiplier", Reason: "must be greater than 1"}
	case cfg.BaseDelay <= 0:
		return &domain.ConfigurationError{Field: "backoff.base_delay", Reason: "must be positive"}
	case cfg.MaxDelay <= 0:
		return &domain.ConfigurationError{Field: "backoff.max_delay", Reason: "must be positive"}
	case cfg.BaseDelay > cfg.MaxDelay:
		return &domain.ConfigurationError{Field: "backoff.base_delay", Reason: "must not exceed max_delay"}
	case cfg.JitterFactor < 0 || cfg.JitterFactor > 1:
		return &domain.ConfigurationError{Field: "backoff.jitter_factor", Reason: "must be within [0, 1]"}
	}
	return nil
}

// ValidateBreaker rejects breaker settings that would never trip or never recover.
func ValidateBreaker(cfg domain.BreakerConfig) error {
	switch {
	case cfg.FailureThreshold < 1:
		return &domain.ConfigurationError{Field: "circuit_breaker.failure_threshold", Reason: "must be at least 1"}
	case cfg.SuccessThreshold < 1:
		return &domain.ConfigurationError{Field: "circuit_breaker.success_threshold", Reason: "must be at least 1"}
	case cfg.OpenTimeout <= 0:
		return &domain.ConfigurationError{Field: "circuit_breaker.open_timeout", Reason: "must be positive"}
	case cfg.ResetTimeout < 0:
		return &domain.ConfigurationError{Field: "circuit_breaker.reset_timeout", Reason: "must not be negative"}
	}
	return nil
}

// ValidateRetryPolicy checks a whole policy at registration time.
func ValidateRetryPolicy(p domain.RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return &domain.ConfigurationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	if p.Timeout <= 0 {
		return &domain.ConfigurationError{Field: "timeout", Reason: "must be positive"}
	}
	for _, code := range p.RetryableStatuses {
		if code < 400 || code > 599 {
			return &domain.ConfigurationError{Field: "retryable_statuses", Reason: "must contain only 4xx or 5xx codes"}
		}
	}
	if err := ValidateBackoff(p.Backoff); err != nil {
		return err
	}
	return ValidateBreaker(p.CircuitBreaker)
}
