package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/dlq"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/idempotency"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/metrics"
	ws "github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/websocket"
)

const deliverAction = "deliver"

// SubscriptionSource resolves delivery targets.
type SubscriptionSource interface {
	Matching(ctx context.Context, eventType string) ([]domain.Subscription, error)
	Get(ctx context.Context, id string) (*domain.Subscription, error)
}

// AttemptRecorder persists one row per HTTP call.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
}

// DeadLetterSink receives sequences that could not be delivered.
type DeadLetterSink interface {
	AddOrUpdate(ctx context.Context, f dlq.Failure) (*domain.DeadLetterEntry, error)
	Defer(ctx context.Context, f dlq.Failure, retryAfter time.Duration) (*domain.DeadLetterEntry, error)
}

// Limiter throttles calls per subscription.
type Limiter interface {
	Wait(ctx context.Context, subscriptionID string, limit int) error
}

// Broadcaster publishes live delivery activity.
type Broadcaster interface {
	Broadcast(event ws.FeedEvent)
}

// Deps wires the orchestrator. Idempotency, Attempts, Limiter, Feed and
// Metrics are optional.
type Deps struct {
	Subscriptions SubscriptionSource
	Sender        *Sender
	Breakers      *engine.Registry
	Planner       *engine.Planner
	DeadLetters   DeadLetterSink
	Idempotency   *idempotency.Service
	Attempts      AttemptRecorder
	Limiter       Limiter
	Feed          Broadcaster
	Metrics       *metrics.Metrics
}

type ReportStatus string

const (
	ReportDelivered     ReportStatus = "delivered"
	ReportPartial       ReportStatus = "partial"
	ReportFailed        ReportStatus = "failed"
	ReportProcessing    ReportStatus = "processing"
	ReportDuplicate     ReportStatus = "duplicate"
	ReportNoSubscribers ReportStatus = "no_subscribers"
)

// Report aggregates the per-subscription outcomes of one DeliverEvent call.
type Report struct {
	EventID   string                       `json:"event_id"`
	EventType string                       `json:"event_type"`
	Status    ReportStatus                 `json:"status"`
	Outcomes  []domain.SubscriptionOutcome `json:"outcomes"`
}

// Orchestrator fans an envelope out to every matching subscription. Each
// subscription gets its own goroutine running a sequential attempt loop;
// DeliverEvent returns once all of them have finished.
type Orchestrator struct {
	deps        Deps
	deliveryTTL time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(deps Deps, deliveryTTL time.Duration, logger *slog.Logger) *Orchestrator {
	if deliveryTTL <= 0 {
		deliveryTTL = idempotency.DefaultDeliveryTTL
	}
	return &Orchestrator{
		deps:        deps,
		deliveryTTL: deliveryTTL,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// DeliverEvent delivers env to all active subscriptions whose patterns
// match its event type. A second call for the same event while the first
// is running reports "processing"; after it completed, "duplicate" with
// the first call's outcomes. Neither makes any HTTP call.
func (o *Orchestrator) DeliverEvent(ctx context.Context, env domain.Envelope) (Report, error) {
	report := Report{
		EventID:   env.Metadata.EventID,
		EventType: env.Metadata.EventType,
		Outcomes:  []domain.SubscriptionOutcome{},
	}
	if env.Metadata.EventID == "" || env.Metadata.EventType == "" {
		return report, fmt.Errorf("%w: envelope requires eventId and eventType", domain.ErrInvalidInput)
	}

	key := idempotency.GenerateKey(env.Metadata.EventType, env.Metadata.EventID, deliverAction, "")
	if idem := o.deps.Idempotency; idem != nil {
		dup, rec, err := idem.IsDuplicate(ctx, key.Hash)
		if err != nil {
			return report, fmt.Errorf("checking delivery idempotency: %w", err)
		}
		if dup {
			if len(rec.Result) > 0 {
				if err := json.Unmarshal(rec.Result, &report); err != nil {
					o.logger.Warn("cached delivery report unreadable", "event_id", report.EventID, "error", err)
				}
			}
			report.Status = ReportDuplicate
			return report, nil
		}

		won, err := idem.MarkProcessing(ctx, key)
		if err != nil {
			return report, fmt.Errorf("claiming delivery: %w", err)
		}
		if !won {
			report.Status = ReportProcessing
			return report, nil
		}
	}

	subs, err := o.deps.Subscriptions.Matching(ctx, env.Metadata.EventType)
	if err != nil {
		o.release(ctx, key.Hash, err)
		return report, fmt.Errorf("resolving subscriptions: %w", err)
	}

	if len(subs) == 0 {
		report.Status = ReportNoSubscribers
		o.logger.Info("no matching subscriptions", "event_id", report.EventID, "event_type", report.EventType)
		o.complete(ctx, key.Hash, report)
		return report, nil
	}

	outcomes := make([]domain.SubscriptionOutcome, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.runSequence(ctx, sub, env)
		}()
	}
	wg.Wait()

	report.Outcomes = outcomes
	report.Status = aggregate(outcomes)

	o.logger.Info("event delivery finished",
		"event_id", report.EventID,
		"event_type", report.EventType,
		"status", report.Status,
		"subscriptions", len(outcomes),
	)

	if ctx.Err() != nil {
		o.release(ctx, key.Hash, ctx.Err())
		return report, nil
	}
	o.complete(ctx, key.Hash, report)
	return report, nil
}

// runSequence makes up to MaxAttempts calls to one subscription. It never
// returns an error; failures are reported in the outcome.
func (o *Orchestrator) runSequence(ctx context.Context, sub domain.Subscription, env domain.Envelope) domain.SubscriptionOutcome {
	policy := sub.RetryPolicy
	outcome := domain.SubscriptionOutcome{
		SubscriptionID: sub.ID,
		EndpointURL:    sub.EndpointURL,
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := o.throttle(ctx, sub); err != nil {
			lastErr = err
			break
		}

		res, err := o.attempt(ctx, sub, env, attempt)
		var openErr *engine.CircuitOpenError
		if errors.As(err, &openErr) {
			outcome.Status = domain.OutcomeCircuitOpen
			outcome.Error = err.Error()
			if outcome.Attempts == 0 {
				outcome.DeadLettered = o.deferDelivery(ctx, sub, env, err, openErr.RetryAfter)
				o.deps.Metrics.ObserveSequence(string(outcome.Status))
				return outcome
			}
			break
		}

		outcome.Attempts++
		outcome.StatusCode = res.StatusCode
		if err == nil {
			outcome.Status = domain.OutcomeDelivered
			outcome.Error = ""
			o.deps.Metrics.ObserveSequence(string(outcome.Status))
			return outcome
		}
		lastErr = err

		if errors.Is(err, domain.ErrPermanentDelivery) {
			outcome.Status = domain.OutcomeRejected
			break
		}
		if ctx.Err() != nil || attempt == policy.MaxAttempts {
			break
		}

		delay := o.deps.Planner.Delay(attempt, policy.Backoff)
		o.publish(ws.FeedEvent{
			Type:           ws.FeedAttemptRetrying,
			EventID:        env.Metadata.EventID,
			SubscriptionID: sub.ID,
			EndpointURL:    sub.EndpointURL,
			EventType:      env.Metadata.EventType,
			Attempt:        attempt,
			StatusCode:     res.StatusCode,
			Error:          err.Error(),
		})
		o.logger.Warn("delivery attempt failed, retrying",
			"event_id", env.Metadata.EventID,
			"subscription_id", sub.ID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if o.sleep(ctx, delay) != nil {
			break
		}
	}

	if outcome.Status == "" || outcome.Status == domain.OutcomeCircuitOpen {
		outcome.Status = domain.OutcomeFailed
	}
	if lastErr != nil {
		outcome.Error = lastErr.Error()
	}

	switch {
	case lastErr == nil:
	case ctx.Err() != nil && errors.Is(lastErr, ctx.Err()):
		// Shutdown interrupted the sequence; park it without counting.
		outcome.DeadLettered = o.deferDelivery(ctx, sub, env, lastErr, time.Nanosecond)
	default:
		outcome.DeadLettered = o.deadLetter(ctx, sub, env, outcome.Attempts, lastErr)
	}

	o.deps.Metrics.ObserveSequence(string(outcome.Status))
	return outcome
}

// attempt runs one breaker-guarded HTTP call and records it. Calls rejected
// by an open circuit are neither counted nor recorded.
func (o *Orchestrator) attempt(ctx context.Context, sub domain.Subscription, env domain.Envelope, n int) (SendResult, error) {
	var res SendResult
	err := o.deps.Breakers.Execute(sub.ID, sub.RetryPolicy.CircuitBreaker, func() error {
		var sendErr error
		res, sendErr = o.deps.Sender.Send(ctx, sub, env, n)
		return sendErr
	})

	var openErr *engine.CircuitOpenError
	if errors.As(err, &openErr) {
		o.publish(ws.FeedEvent{
			Type:           ws.FeedCircuitOpen,
			EventID:        env.Metadata.EventID,
			SubscriptionID: sub.ID,
			EndpointURL:    sub.EndpointURL,
			EventType:      env.Metadata.EventType,
			Attempt:        n,
		})
		return res, err
	}

	record := domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		EventID:        env.Metadata.EventID,
		SubscriptionID: sub.ID,
		AttemptNumber:  n,
		StartedAt:      res.StartedAt,
		Outcome:        domain.AttemptSuccess,
		StatusCode:     res.StatusCode,
		LatencyMs:      res.Latency.Milliseconds(),
	}
	feed := ws.FeedAttemptSucceeded
	if err != nil {
		record.Outcome = domain.AttemptFailure
		record.Error = err.Error()
		feed = ws.FeedAttemptFailed
	}

	if o.deps.Attempts != nil {
		if rerr := o.deps.Attempts.RecordAttempt(context.WithoutCancel(ctx), record); rerr != nil {
			o.logger.Error("failed to record delivery attempt",
				"event_id", record.EventID,
				"subscription_id", record.SubscriptionID,
				"error", rerr,
			)
		}
	}
	o.deps.Metrics.ObserveAttempt(string(record.Outcome), res.Latency)
	o.publish(ws.FeedEvent{
		Type:           feed,
		EventID:        record.EventID,
		SubscriptionID: sub.ID,
		EndpointURL:    sub.EndpointURL,
		EventType:      env.Metadata.EventType,
		Attempt:        n,
		StatusCode:     res.StatusCode,
		LatencyMs:      record.LatencyMs,
		Error:          record.Error,
	})

	if err == nil {
		o.logger.Info("delivery successful",
			"event_id", record.EventID,
			"subscription_id", sub.ID,
			"attempt", n,
			"status_code", *res.StatusCode,
			"latency_ms", record.LatencyMs,
		)
	}
	return res, err
}

// RetryDeadLetter re-drives a parked delivery with a single attempt. It is
// the dead letter queue's retry callback.
func (o *Orchestrator) RetryDeadLetter(ctx context.Context, entry domain.DeadLetterEntry) error {
	sub, err := o.deps.Subscriptions.Get(ctx, entry.SubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &DeliveryError{Err: fmt.Errorf("subscription %s: %w", entry.SubscriptionID, err)}
		}
		return fmt.Errorf("loading subscription: %w", err)
	}
	if !sub.Active {
		return &DeliveryError{Err: fmt.Errorf("subscription %s is inactive", sub.ID)}
	}

	var env domain.Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return &DeliveryError{Err: fmt.Errorf("decoding parked envelope: %w", err)}
	}

	if err := o.throttle(ctx, *sub); err != nil {
		return err
	}
	if _, err := o.attempt(ctx, *sub, env, entry.Attempts+1); err != nil {
		return err
	}

	o.deps.Metrics.DeadLetter("recovered")
	o.publish(ws.FeedEvent{
		Type:           ws.FeedDeadLetterRecovered,
		EventID:        entry.EventID,
		SubscriptionID: entry.SubscriptionID,
		EndpointURL:    sub.EndpointURL,
		EventType:      entry.EventType,
		Attempt:        entry.Attempts + 1,
	})
	return nil
}

// NotifyExhausted is the dead letter queue's alert callback.
func (o *Orchestrator) NotifyExhausted(_ context.Context, entry domain.DeadLetterEntry) {
	o.deps.Metrics.DeadLetter("exhausted")
	o.publish(ws.FeedEvent{
		Type:           ws.FeedDeadLetterExhausted,
		EventID:        entry.EventID,
		SubscriptionID: entry.SubscriptionID,
		EventType:      entry.EventType,
		Attempt:        entry.Attempts,
		Error:          entry.LastError,
	})
}

// NotifyCircuitChange is the breaker registry's state-change hook.
func (o *Orchestrator) NotifyCircuitChange(key string, _, to engine.CircuitState) {
	o.deps.Metrics.CircuitTransition(string(to))
	o.publish(ws.FeedEvent{
		Type:           ws.FeedCircuitChanged,
		SubscriptionID: key,
		State:          string(to),
	})
}

func (o *Orchestrator) throttle(ctx context.Context, sub domain.Subscription) error {
	if o.deps.Limiter == nil || sub.RateLimitPerSecond <= 0 {
		return nil
	}
	return o.deps.Limiter.Wait(ctx, sub.ID, sub.RateLimitPerSecond)
}

func (o *Orchestrator) deadLetter(ctx context.Context, sub domain.Subscription, env domain.Envelope, attempts int, cause error) bool {
	f, ok := o.failure(sub, env, attempts, cause)
	if !ok {
		return false
	}
	entry, err := o.deps.DeadLetters.AddOrUpdate(context.WithoutCancel(ctx), f)
	if err != nil {
		o.logger.Error("failed to dead-letter delivery",
			"event_id", f.EventID,
			"subscription_id", f.SubscriptionID,
			"error", err,
		)
		return false
	}
	if entry.Status != domain.DeadLetterExhausted {
		o.deps.Metrics.DeadLetter("scheduled")
		o.publish(ws.FeedEvent{
			Type:           ws.FeedDeadLetterScheduled,
			EventID:        f.EventID,
			SubscriptionID: f.SubscriptionID,
			EndpointURL:    sub.EndpointURL,
			EventType:      f.EventType,
			Attempt:        entry.Attempts,
			NextRetryAt:    entry.NextRetryAt,
			Error:          entry.LastError,
		})
	}
	return true
}

func (o *Orchestrator) deferDelivery(ctx context.Context, sub domain.Subscription, env domain.Envelope, cause error, retryAfter time.Duration) bool {
	f, ok := o.failure(sub, env, 0, cause)
	if !ok {
		return false
	}
	if _, err := o.deps.DeadLetters.Defer(context.WithoutCancel(ctx), f, retryAfter); err != nil {
		o.logger.Error("failed to defer delivery",
			"event_id", f.EventID,
			"subscription_id", f.SubscriptionID,
			"error", err,
		)
		return false
	}
	o.deps.Metrics.DeadLetter("deferred")
	return true
}

func (o *Orchestrator) failure(sub domain.Subscription, env domain.Envelope, attempts int, cause error) (dlq.Failure, bool) {
	payload, err := json.Marshal(env)
	if err != nil {
		o.logger.Error("failed to encode envelope for dead letter", "event_id", env.Metadata.EventID, "error", err)
		return dlq.Failure{}, false
	}
	return dlq.Failure{
		EventID:        env.Metadata.EventID,
		SubscriptionID: sub.ID,
		EventType:      env.Metadata.EventType,
		Payload:        payload,
		Attempts:       attempts,
		Err:            cause,
	}, true
}

func (o *Orchestrator) complete(ctx context.Context, hash string, report Report) {
	if o.deps.Idempotency == nil {
		return
	}
	if err := o.deps.Idempotency.MarkCompleted(context.WithoutCancel(ctx), hash, report, o.deliveryTTL); err != nil {
		o.logger.Error("failed to mark delivery completed", "event_id", report.EventID, "error", err)
	}
}

// release marks the claim failed so a redelivery of the same event can
// claim it again.
func (o *Orchestrator) release(ctx context.Context, hash string, cause error) {
	if o.deps.Idempotency == nil {
		return
	}
	if err := o.deps.Idempotency.MarkFailed(context.WithoutCancel(ctx), hash, cause, o.deliveryTTL); err != nil {
		o.logger.Error("failed to release delivery claim", "hash", hash, "error", err)
	}
}

func (o *Orchestrator) publish(event ws.FeedEvent) {
	if o.deps.Feed != nil {
		o.deps.Feed.Broadcast(event)
	}
}

func aggregate(outcomes []domain.SubscriptionOutcome) ReportStatus {
	delivered := 0
	for _, oc := range outcomes {
		if oc.Status == domain.OutcomeDelivered {
			delivered++
		}
	}
	switch delivered {
	case len(outcomes):
		return ReportDelivered
	case 0:
		return ReportFailed
	default:
		return ReportPartial
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
