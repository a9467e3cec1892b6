package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
)

const (
	DefaultMaxAttempts     = 10
	DefaultSweepInterval   = time.Minute
	DefaultCleanupInterval = time.Hour
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultBatchSize       = 100
	DefaultConcurrency     = 8
	DefaultClaimLease      = 15 * time.Minute
)

// errSuperseded aborts a retry follow-up write when the entry left the
// retrying state (discarded or reclaimed) while the retry was in flight.
var errSuperseded = errors.New("dead letter changed during retry")

// RetryFunc re-drives one parked delivery. A nil error means it was delivered.
type RetryFunc func(ctx context.Context, entry domain.DeadLetterEntry) error

// AlertFunc is told when an entry becomes exhausted.
type AlertFunc func(ctx context.Context, entry domain.DeadLetterEntry)

type Config struct {
	MaxAttempts     int
	Backoff         domain.BackoffConfig
	SweepInterval   time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	BatchSize       int
	Concurrency     int
	// ClaimLease is how long an entry may stay retrying before a sweep or a
	// manual retry may claim it again.
	ClaimLease time.Duration
}

// Failure describes a delivery that could not be completed.
type Failure struct {
	EventID        string
	SubscriptionID string
	EventType      string
	Payload        json.RawMessage
	// Attempts is the number of HTTP calls the failed sequence made.
	Attempts int
	Err      error
}

type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Retrying  int `json:"retrying"`
	Exhausted int `json:"exhausted"`
	Recovered int `json:"recovered"`
	Discarded int `json:"discarded"`
}

type Queue struct {
	store   Store
	planner *engine.Planner
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	retry RetryFunc
	alert AlertFunc

	sweeps singleflight.Group
}

func New(store Store, planner *engine.Planner, cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == (domain.BackoffConfig{}) {
		cfg.Backoff = domain.BackoffConfig{
			BaseDelay:    domain.Duration(time.Minute),
			Multiplier:   2,
			MaxDelay:     domain.Duration(6 * time.Hour),
			JitterFactor: 0.1,
		}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	return &Queue{
		store:   store,
		planner: planner,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetRetryFunc wires the callback used by the sweep and ManualRetry.
func (q *Queue) SetRetryFunc(fn RetryFunc) { q.retry = fn }

// SetAlertFunc wires the exhaustion notifier.
func (q *Queue) SetAlertFunc(fn AlertFunc) { q.alert = fn }

// AddOrUpdate records a failed delivery. A new entry starts pending; an
// existing one accumulates attempts and is rescheduled with backoff. Once
// attempts reach MaxAttempts the entry is exhausted and the alert fires.
func (q *Queue) AddOrUpdate(ctx context.Context, f Failure) (*domain.DeadLetterEntry, error) {
	return q.record(ctx, f, false)
}

// record applies a failure. With fromRetry set the write only happens while
// the entry is still retrying.
func (q *Queue) record(ctx context.Context, f Failure, fromRetry bool) (*domain.DeadLetterEntry, error) {
	id := domain.DeadLetterID(f.EventID, f.SubscriptionID)
	now := q.now()
	added := max(f.Attempts, 1)
	lastErr := errorString(f.Err)

	var becameExhausted bool
	entry, err := q.store.Update(ctx, id, func(cur *domain.DeadLetterEntry) (*domain.DeadLetterEntry, error) {
		if fromRetry && !retrying(cur) {
			return nil, errSuperseded
		}
		if cur == nil || cur.Status == domain.DeadLetterRecovered || cur.Status == domain.DeadLetterDiscarded {
			cur = &domain.DeadLetterEntry{
				EventID:        f.EventID,
				SubscriptionID: f.SubscriptionID,
				FirstFailedAt:  now,
			}
		}
		if f.EventType != "" {
			cur.EventType = f.EventType
		}
		if len(f.Payload) > 0 {
			cur.Payload = f.Payload
		}
		cur.Attempts += added
		cur.LastError = lastErr
		cur.LastFailedAt = now
		cur.UpdatedAt = now
		cur.RecoveredAt = nil
		cur.DiscardReason = ""

		if cur.Attempts >= q.cfg.MaxAttempts {
			becameExhausted = cur.Status != domain.DeadLetterExhausted
			cur.Status = domain.DeadLetterExhausted
			cur.NextRetryAt = nil
			return cur, nil
		}
		next := now.Add(q.planner.Delay(cur.Attempts, q.cfg.Backoff))
		cur.Status = domain.DeadLetterPending
		cur.NextRetryAt = &next
		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording dead letter %s: %w", id, err)
	}

	if entry.Status == domain.DeadLetterExhausted {
		q.logger.Error("dead letter exhausted",
			"id", id,
			"event_type", entry.EventType,
			"attempts", entry.Attempts,
			"last_error", entry.LastError,
		)
		if becameExhausted && q.alert != nil {
			q.alert(ctx, *entry)
		}
	} else {
		q.logger.Warn("dead letter scheduled",
			"id", id,
			"attempts", entry.Attempts,
			"next_retry_at", entry.NextRetryAt,
		)
	}
	return entry, nil
}

// Defer parks a delivery that never reached the network because the
// circuit was open. Attempts are not incremented.
func (q *Queue) Defer(ctx context.Context, f Failure, retryAfter time.Duration) (*domain.DeadLetterEntry, error) {
	return q.park(ctx, f, retryAfter, false)
}

func (q *Queue) park(ctx context.Context, f Failure, retryAfter time.Duration, fromRetry bool) (*domain.DeadLetterEntry, error) {
	id := domain.DeadLetterID(f.EventID, f.SubscriptionID)
	now := q.now()
	if retryAfter <= 0 {
		retryAfter = q.planner.Delay(1, q.cfg.Backoff)
	}
	next := now.Add(retryAfter)

	entry, err := q.store.Update(ctx, id, func(cur *domain.DeadLetterEntry) (*domain.DeadLetterEntry, error) {
		if fromRetry && !retrying(cur) {
			return nil, errSuperseded
		}
		if cur == nil || cur.Status == domain.DeadLetterRecovered {
			cur = &domain.DeadLetterEntry{
				EventID:        f.EventID,
				SubscriptionID: f.SubscriptionID,
				EventType:      f.EventType,
				Payload:        f.Payload,
				FirstFailedAt:  now,
				LastFailedAt:   now,
			}
		}
		cur.LastError = errorString(f.Err)
		cur.UpdatedAt = now
		if cur.Status == domain.DeadLetterExhausted || cur.Status == domain.DeadLetterDiscarded {
			return cur, nil
		}
		cur.Status = domain.DeadLetterPending
		cur.NextRetryAt = &next
		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("deferring dead letter %s: %w", id, err)
	}

	q.logger.Info("delivery deferred while circuit open", "id", id, "next_retry_at", next)
	return entry, nil
}

// Sweep retries every pending entry that is due. Concurrent calls share
// one run. It returns how many entries were attempted.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	v, err, _ := q.sweeps.Do("sweep", func() (any, error) {
		return q.sweep(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (q *Queue) sweep(ctx context.Context) (int, error) {
	if q.retry == nil {
		return 0, fmt.Errorf("dead letter retry callback not configured")
	}

	now := q.now()
	due, err := q.store.ClaimDue(ctx, now, now.Add(-q.cfg.ClaimLease), q.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming due dead letters: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)
	for _, entry := range due {
		g.Go(func() error {
			q.retryOne(gctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	q.logger.Info("dead letter sweep complete", "attempted", len(due))
	return len(due), nil
}

// retryOne invokes the retry callback for an entry already marked retrying
// and records the outcome.
func (q *Queue) retryOne(ctx context.Context, entry domain.DeadLetterEntry) {
	err := q.retry(ctx, entry)
	writeCtx := context.WithoutCancel(ctx)

	f := Failure{
		EventID:        entry.EventID,
		SubscriptionID: entry.SubscriptionID,
		EventType:      entry.EventType,
		Payload:        entry.Payload,
		Attempts:       1,
		Err:            err,
	}

	var (
		openErr *engine.CircuitOpenError
		werr    error
	)
	switch {
	case err == nil:
		_, werr = q.markRecovered(writeCtx, entry.ID)
	case errors.As(err, &openErr):
		_, werr = q.park(writeCtx, f, openErr.RetryAfter, true)
	case errors.Is(err, context.Canceled):
		_, werr = q.park(writeCtx, f, time.Nanosecond, true)
	default:
		_, werr = q.record(writeCtx, f, true)
	}

	switch {
	case errors.Is(werr, errSuperseded):
		q.logger.Warn("dead letter changed during retry, outcome not recorded",
			"id", entry.ID,
			"retry_error", errorString(err),
		)
	case werr != nil:
		q.logger.Error("failed to record dead letter retry outcome", "id", entry.ID, "error", werr)
	}
}

func (q *Queue) markRecovered(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	now := q.now()
	entry, err := q.store.Update(ctx, id, func(cur *domain.DeadLetterEntry) (*domain.DeadLetterEntry, error) {
		if !retrying(cur) {
			return nil, errSuperseded
		}
		cur.Status = domain.DeadLetterRecovered
		cur.NextRetryAt = nil
		cur.RecoveredAt = &now
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("dead letter recovered", "id", id, "attempts", entry.Attempts)
	return entry, nil
}

// ManualRetry re-drives one entry immediately, whatever its schedule.
func (q *Queue) ManualRetry(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	if q.retry == nil {
		return nil, fmt.Errorf("dead letter retry callback not configured")
	}

	now := q.now()
	entry, err := q.store.Update(ctx, id, func(cur *domain.DeadLetterEntry) (*domain.DeadLetterEntry, error) {
		if cur == nil {
			return nil, domain.ErrNotFound
		}
		switch {
		case cur.Status == domain.DeadLetterPending, cur.Status == domain.DeadLetterExhausted:
		case cur.Status == domain.DeadLetterRetrying && q.leaseExpired(*cur, now):
		default:
			return nil, fmt.Errorf("%w: cannot retry a %s entry", domain.ErrInvalidTransition, cur.Status)
		}
		cur.Status = domain.DeadLetterRetrying
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("manual dead letter retry", "id", id)
	q.retryOne(ctx, *entry)
	return q.store.Get(ctx, id)
}

func (q *Queue) leaseExpired(e domain.DeadLetterEntry, now time.Time) bool {
	return e.UpdatedAt.Before(now.Add(-q.cfg.ClaimLease))
}

func retrying(e *domain.DeadLetterEntry) bool {
	return e != nil && e.Status == domain.DeadLetterRetrying
}

// Discard gives up on an entry for good. Discarding a retrying entry wins
// over the outcome of the retry in flight.
func (q *Queue) Discard(ctx context.Context, id, reason string) (*domain.DeadLetterEntry, error) {
	now := q.now()
	entry, err := q.store.Update(ctx, id, func(cur *domain.DeadLetterEntry) (*domain.DeadLetterEntry, error) {
		if cur == nil {
			return nil, domain.ErrNotFound
		}
		if cur.Status == domain.DeadLetterRecovered || cur.Status == domain.DeadLetterDiscarded {
			return nil, fmt.Errorf("%w: entry already %s", domain.ErrInvalidTransition, cur.Status)
		}
		cur.Status = domain.DeadLetterDiscarded
		cur.DiscardReason = reason
		cur.NextRetryAt = nil
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Warn("dead letter discarded", "id", id, "reason", reason)
	return entry, nil
}

// Cleanup removes recovered and discarded entries older than Retention.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	removed, err := q.store.DeleteResolvedBefore(ctx, q.now().Add(-q.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("cleaning up dead letters: %w", err)
	}
	if removed > 0 {
		q.logger.Info("dead letter cleanup complete", "removed", removed)
	}
	return removed, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	entry, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, domain.ErrNotFound
	}
	return entry, nil
}

func (q *Queue) List(ctx context.Context, filter ListFilter) ([]domain.DeadLetterEntry, error) {
	return q.store.List(ctx, filter)
}

func (q *Queue) ListByStatus(ctx context.Context, status domain.DeadLetterStatus, limit int) ([]domain.DeadLetterEntry, error) {
	return q.store.List(ctx, ListFilter{Status: status, Limit: limit})
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting dead letters: %w", err)
	}
	st := Stats{
		Pending:   counts[domain.DeadLetterPending],
		Retrying:  counts[domain.DeadLetterRetrying],
		Exhausted: counts[domain.DeadLetterExhausted],
		Recovered: counts[domain.DeadLetterRecovered],
		Discarded: counts[domain.DeadLetterDiscarded],
	}
	st.Total = st.Pending + st.Retrying + st.Exhausted + st.Recovered + st.Discarded
	return st, nil
}

// Start runs the retry sweep and the retention cleanup until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.logger.Info("dead letter queue started",
		"sweep_interval", q.cfg.SweepInterval,
		"cleanup_interval", q.cfg.CleanupInterval,
	)

	sweep := time.NewTicker(q.cfg.SweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(q.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("dead letter queue stopping")
			return
		case <-sweep.C:
			if _, err := q.Sweep(ctx); err != nil {
				q.logger.Error("dead letter sweep failed", "error", err)
			}
		case <-cleanup.C:
			if _, err := q.Cleanup(ctx); err != nil {
				q.logger.Error("dead letter cleanup failed", "error", err)
			}
		}
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
