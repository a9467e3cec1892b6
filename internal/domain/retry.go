package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Duration is a time.Duration that reads and writes JSON as "1.5s" strings.
// Bare numbers are accepted as milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Millisecond)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// BackoffConfig parameterizes exponential backoff with jitter.
type BackoffConfig struct {
	BaseDelay    Duration `json:"base_delay"`
	Multiplier   float64  `json:"multiplier"`
	MaxDelay     Duration `json:"max_delay"`
	JitterFactor float64  `json:"jitter_factor"`
}

// BreakerConfig parameterizes the per-subscription circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold"`
	OpenTimeout      Duration `json:"open_timeout"`
	ResetTimeout     Duration `json:"reset_timeout"`
}

type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	Backoff           BackoffConfig `json:"backoff"`
	CircuitBreaker    BreakerConfig `json:"circuit_breaker"`
	Timeout           Duration      `json:"timeout"`
	RetryableStatuses []int         `json:"retryable_statuses,omitempty"`
}

// DefaultRetryableStatuses are 4xx responses that are still worth retrying.
var DefaultRetryableStatuses = []int{408, 425, 429}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:    Duration(time.Second),
		Multiplier:   2,
		MaxDelay:     Duration(time.Hour),
		JitterFactor: 0.1,
	}
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenTimeout:      Duration(30 * time.Second),
		ResetTimeout:     Duration(time.Minute),
	}
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		Backoff:           DefaultBackoffConfig(),
		CircuitBreaker:    DefaultBreakerConfig(),
		Timeout:           Duration(30 * time.Second),
		RetryableStatuses: slices.Clone(DefaultRetryableStatuses),
	}
}

// WithDefaults fills zero-valued fields from base.
func (p RetryPolicy) WithDefaults(base RetryPolicy) RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	if p.Backoff == (BackoffConfig{}) {
		p.Backoff = base.Backoff
	}
	if p.CircuitBreaker == (BreakerConfig{}) {
		p.CircuitBreaker = base.CircuitBreaker
	}
	if p.Timeout == 0 {
		p.Timeout = base.Timeout
	}
	if p.RetryableStatuses == nil {
		p.RetryableStatuses = slices.Clone(base.RetryableStatuses)
	}
	return p
}

// IsRetryableStatus reports whether a non-2xx status should be retried:
// every 5xx plus the configured allow-list.
func (p RetryPolicy) IsRetryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return slices.Contains(p.RetryableStatuses, code)
}
