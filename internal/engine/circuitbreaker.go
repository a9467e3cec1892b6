package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

type CircuitState string

// Circuit breaker states
const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// CircuitOpenError is returned when a call is rejected without being made.
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Key)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == domain.ErrCircuitOpen
}

// CircuitMetrics is a point-in-time view of one breaker.
type CircuitMetrics struct {
	Key                  string       `json:"key"`
	State                CircuitState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastTransitionAt     time.Time    `json:"last_transition_at"`
	LastFailureAt        *time.Time   `json:"last_failure_at,omitempty"`
	OpenUntil            *time.Time   `json:"open_until,omitempty"`
}

// Registry holds one circuit breaker per key (usually a subscription ID).
// State transitions: closed → open → half-open → closed
//
// - Closed: calls pass through; consecutive failures are counted and
// forgotten once older than ResetTimeout.
// - Open: calls are rejected with CircuitOpenError until OpenTimeout elapses.
// - Half-Open: one probe at a time. A failure reopens; SuccessThreshold
// consecutive successes close.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	defaults domain.BreakerConfig
	logger   *slog.Logger
	now      func() time.Time

	onStateChange func(key string, from, to CircuitState)
}

type breaker struct {
	mu  sync.Mutex
	key string
	cfg domain.BreakerConfig

	state            CircuitState
	failures         int
	successes        int
	lastTransitionAt time.Time
	lastFailureAt    time.Time
	probeInFlight    bool
}

type transition struct {
	from, to CircuitState
}

func NewRegistry(defaults domain.BreakerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*breaker),
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// OnStateChange registers a hook invoked after every transition.
func (r *Registry) OnStateChange(fn func(key string, from, to CircuitState)) {
	r.onStateChange = fn
}

// Execute runs fn unless the breaker for key is open. A rejected call
// returns *CircuitOpenError, fn is not invoked and nothing is counted.
// Cancellation of the caller's context is not counted as a failure either.
func (r *Registry) Execute(key string, cfg domain.BreakerConfig, fn func() error) error {
	b := r.breaker(key, cfg)

	probe, err := r.acquire(b)
	if err != nil {
		return err
	}

	callErr := fn()
	switch {
	case callErr == nil:
		r.record(b, probe, true)
	case errors.Is(callErr, context.Canceled):
		b.mu.Lock()
		if probe {
			b.probeInFlight = false
		}
		b.mu.Unlock()
	default:
		r.record(b, probe, false)
	}
	return callErr
}

// Metrics returns the current view of key. The second value is false when
// no call has been made for key yet.
func (r *Registry) Metrics(key string) (CircuitMetrics, bool) {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return CircuitMetrics{Key: key, State: StateClosed}, false
	}
	return r.snapshot(b), true
}

// All returns every known breaker ordered by key.
func (r *Registry) All() []CircuitMetrics {
	r.mu.RLock()
	list := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]CircuitMetrics, 0, len(list))
	for _, b := range list {
		out = append(out, r.snapshot(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset closes the breaker for key and clears its counters.
func (r *Registry) Reset(key string) {
	r.force(key, StateClosed)
}

// ForceOpen trips the breaker for key regardless of its counters.
func (r *Registry) ForceOpen(key string) {
	r.force(key, StateOpen)
}

// ForceClose closes the breaker for key regardless of its counters.
func (r *Registry) ForceClose(key string) {
	r.force(key, StateClosed)
}

func (r *Registry) force(key string, to CircuitState) {
	b := r.breaker(key, domain.BreakerConfig{})
	b.mu.Lock()
	t := r.transitionLocked(b, to)
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.mu.Unlock()
	r.notify(key, t)
}

func (r *Registry) breaker(key string, cfg domain.BreakerConfig) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if b, ok = r.breakers[key]; !ok {
			b = &breaker{
				key:              key,
				cfg:              r.defaults,
				state:            StateClosed,
				lastTransitionAt: r.now(),
			}
			r.breakers[key] = b
		}
		r.mu.Unlock()
	}

	if cfg != (domain.BreakerConfig{}) {
		b.mu.Lock()
		b.cfg = cfg
		b.mu.Unlock()
	}
	return b
}

// acquire decides whether a call may proceed and whether it is the
// half-open probe.
func (r *Registry) acquire(b *breaker) (bool, error) {
	now := r.now()

	b.mu.Lock()
	var t *transition
	probe := false
	var err error

	switch b.state {
	case StateClosed:
		if b.failures > 0 && b.cfg.ResetTimeout > 0 && now.Sub(b.lastFailureAt) >= b.cfg.ResetTimeout.Std() {
			b.failures = 0
		}
	case StateOpen:
		elapsed := now.Sub(b.lastTransitionAt)
		if elapsed < b.cfg.OpenTimeout.Std() {
			err = &CircuitOpenError{Key: b.key, RetryAfter: b.cfg.OpenTimeout.Std() - elapsed}
			break
		}
		t = r.transitionLocked(b, StateHalfOpen)
		b.probeInFlight = true
		probe = true
	case StateHalfOpen:
		if b.probeInFlight {
			err = &CircuitOpenError{Key: b.key}
			break
		}
		b.probeInFlight = true
		probe = true
	}
	b.mu.Unlock()

	r.notify(b.key, t)
	return probe, err
}

func (r *Registry) record(b *breaker, probe, success bool) {
	now := r.now()

	b.mu.Lock()
	var t *transition
	if probe {
		b.probeInFlight = false
	}
	if !success {
		b.lastFailureAt = now
	}

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			b.successes++
		} else {
			b.failures++
			b.successes = 0
			if b.failures >= b.cfg.FailureThreshold {
				failures := b.failures
				t = r.transitionLocked(b, StateOpen)
				b.failures = failures
			}
		}
	case StateHalfOpen:
		// Only the probe's result drives half-open; stragglers admitted while
		// closed are ignored.
		if !probe {
			break
		}
		if success {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				t = r.transitionLocked(b, StateClosed)
			}
		} else {
			t = r.transitionLocked(b, StateOpen)
			b.failures = 1
		}
	case StateOpen:
		// Forced open while a call was in flight.
	}
	b.mu.Unlock()

	r.notify(b.key, t)
}

// transitionLocked moves b to state to and resets counters. b.mu must be held.
func (r *Registry) transitionLocked(b *breaker, to CircuitState) *transition {
	from := b.state
	b.state = to
	b.lastTransitionAt = r.now()
	b.failures = 0
	b.successes = 0
	if from == to {
		return nil
	}
	return &transition{from: from, to: to}
}

func (r *Registry) notify(key string, t *transition) {
	if t == nil {
		return
	}
	switch t.to {
	case StateOpen:
		r.logger.Warn("circuit breaker opened", "key", key, "from", t.from)
	case StateHalfOpen:
		r.logger.Info("circuit breaker half-open", "key", key)
	case StateClosed:
		r.logger.Info("circuit breaker closed", "key", key, "from", t.from)
	}
	if r.onStateChange != nil {
		r.onStateChange(key, t.from, t.to)
	}
}

func (r *Registry) snapshot(b *breaker) CircuitMetrics {
	now := r.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	m := CircuitMetrics{
		Key:                  b.key,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastTransitionAt:     b.lastTransitionAt,
	}
	if !b.lastFailureAt.IsZero() {
		lf := b.lastFailureAt
		m.LastFailureAt = &lf
	}
	if b.state == StateClosed && b.failures > 0 && b.cfg.ResetTimeout > 0 &&
		now.Sub(b.lastFailureAt) >= b.cfg.ResetTimeout.Std() {
		m.ConsecutiveFailures = 0
	}
	if b.state == StateOpen {
		until := b.lastTransitionAt.Add(b.cfg.OpenTimeout.Std())
		if now.Before(until) {
			m.OpenUntil = &until
		} else {
			// Next call will be the probe.
			m.State = StateHalfOpen
		}
	}
	return m
}
