package worker

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/dlq"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/idempotency"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/subscription"
	ws "github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type attemptLog struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func (l *attemptLog) RecordAttempt(_ context.Context, a domain.DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

func (l *attemptLog) all() []domain.DeliveryAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), l.attempts...)
}

type feedLog struct {
	mu     sync.Mutex
	events []ws.FeedEvent
}

func (f *feedLog) Broadcast(e ws.FeedEvent) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *feedLog) count(t ws.FeedEventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	orch     *Orchestrator
	subs     *subscription.Service
	repo     *subscription.MemoryRepository
	queue    *dlq.Queue
	breakers *engine.Registry
	attempts *attemptLog
	feed     *feedLog

	mu     sync.Mutex
	sleeps []time.Duration
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()

	repo := subscription.NewMemoryRepository()
	subs := subscription.NewService(repo, domain.DefaultRetryPolicy(), logger)
	planner := engine.NewPlanner()
	queue := dlq.New(dlq.NewMemoryStore(), planner, dlq.Config{MaxAttempts: 10}, logger)
	breakers := engine.NewRegistry(domain.DefaultBreakerConfig(), logger)

	h := &harness{
		subs:     subs,
		repo:     repo,
		queue:    queue,
		breakers: breakers,
		attempts: &attemptLog{},
		feed:     &feedLog{},
	}

	h.orch = NewOrchestrator(Deps{
		Subscriptions: subs,
		Sender:        NewSender(engine.NewSigner(), "", logger),
		Breakers:      breakers,
		Planner:       planner,
		DeadLetters:   queue,
		Idempotency:   idempotency.NewService(idempotency.NewMemoryStore(), idempotency.Config{}, logger),
		Attempts:      h.attempts,
		Feed:          h.feed,
	}, 0, logger)
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}

	queue.SetRetryFunc(h.orch.RetryDeadLetter)
	queue.SetAlertFunc(h.orch.NotifyExhausted)
	breakers.OnStateChange(h.orch.NotifyCircuitChange)
	return h
}

func (h *harness) subscribe(t *testing.T, url string, policy *domain.RetryPolicy, patterns ...string) *domain.Subscription {
	t.Helper()
	if len(patterns) == 0 {
		patterns = []string{"producto.*"}
	}
	sub, err := h.subs.Create(context.Background(), domain.CreateSubscriptionRequest{
		Name:          "test",
		EndpointURL:   url,
		EventPatterns: patterns,
		RetryPolicy:   policy,
	})
	require.NoError(t, err)
	return sub
}

func statusServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func TestOrchestrator_DeliversToMatchingSubscriptions(t *testing.T) {
	h := setupHarness(t)
	ok, okHits := statusServer(t, http.StatusOK)
	other, otherHits := statusServer(t, http.StatusOK)

	matching := h.subscribe(t, ok.URL, nil, "producto.*")
	h.subscribe(t, other.URL, nil, "prescripcion.creada")

	report, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, ReportDelivered, report.Status)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, matching.ID, report.Outcomes[0].SubscriptionID)
	assert.Equal(t, domain.OutcomeDelivered, report.Outcomes[0].Status)
	assert.Equal(t, 1, report.Outcomes[0].Attempts)
	assert.Equal(t, int32(1), okHits.Load())
	assert.Equal(t, int32(0), otherHits.Load())

	attempts := h.attempts.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptSuccess, attempts[0].Outcome)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 1, h.feed.count(ws.FeedAttemptSucceeded))
}

func TestOrchestrator_NoSubscribers(t *testing.T) {
	h := setupHarness(t)

	report, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, ReportNoSubscribers, report.Status)
	assert.Empty(t, report.Outcomes)
}

func TestOrchestrator_RejectsIncompleteEnvelope(t *testing.T) {
	h := setupHarness(t)
	env := testEnvelope("")

	_, err := h.orch.DeliverEvent(context.Background(), env)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOrchestrator_RetriesThenDeadLetters(t *testing.T) {
	h := setupHarness(t)
	server, hits := statusServer(t, http.StatusInternalServerError)

	sub := h.subscribe(t, server.URL, &domain.RetryPolicy{
		MaxAttempts: 3,
		Backoff: domain.BackoffConfig{
			BaseDelay:    domain.Duration(100 * time.Millisecond),
			Multiplier:   2,
			MaxDelay:     domain.Duration(time.Minute),
			JitterFactor: 0.1,
		},
	})

	report, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, ReportFailed, report.Status)
	require.Len(t, report.Outcomes, 1)
	outcome := report.Outcomes[0]
	assert.Equal(t, domain.OutcomeFailed, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.True(t, outcome.DeadLettered)
	require.NotNil(t, outcome.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, *outcome.StatusCode)

	assert.Equal(t, int32(3), hits.Load())

	attempts := h.attempts.all()
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, domain.AttemptFailure, a.Outcome)
	}

	sleeps := h.recordedSleeps()
	require.Len(t, sleeps, 2)
	assert.InDelta(t, float64(100*time.Millisecond), float64(sleeps[0]), float64(10*time.Millisecond))
	assert.InDelta(t, float64(200*time.Millisecond), float64(sleeps[1]), float64(20*time.Millisecond))

	entry, err := h.queue.Get(context.Background(), domain.DeadLetterID("evt-1", sub.ID))
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, domain.DeadLetterPending, entry.Status)
	assert.Equal(t, "producto.creado", entry.EventType)
	assert.Contains(t, entry.LastError, "500")
	assert.Equal(t, 1, h.feed.count(ws.FeedDeadLetterScheduled))
}

func TestOrchestrator_PermanentFailureSkipsRetries(t *testing.T) {
	h := setupHarness(t)
	server, hits := statusServer(t, http.StatusBadRequest)
	sub := h.subscribe(t, server.URL, nil)

	report, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-1"))
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, domain.OutcomeRejected, report.Outcomes[0].Status)
	assert.Equal(t, 1, report.Outcomes[0].Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, h.recordedSleeps())

	entry, err := h.queue.Get(context.Background(), domain.DeadLetterID("evt-1", sub.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
}

func TestOrchestrator_OneFailureDoesNotAffectSiblings(t *testing.T) {
	h := setupHarness(t)
	good, goodHits := statusServer(t, http.StatusOK)
	bad, _ := statusServer(t, http.StatusServiceUnavailable)

	goodSub := h.subscribe(t, good.URL, nil)
	badSub := h.subscribe(t, bad.URL, &domain.RetryPolicy{MaxAttempts: 2})

	report, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, ReportPartial, report.Status)

	byID := map[string]domain.SubscriptionOutcome{}
	for _, oc := range report.Outcomes {
		byID[oc.SubscriptionID] = oc
	}
	assert.Equal(t, domain.OutcomeDelivered, byID[goodSub.ID].Status)
	assert.Equal(t, domain.OutcomeFailed, byID[badSub.ID].Status)
	assert.Equal(t, 2, byID[badSub.ID].Attempts)
	assert.Equal(t, int32(1), goodHits.Load())
}

func TestOrchestrator_ConcurrentDuplicateReportsProcessing(t *testing.T) {
	h := setupHarness(t)

	var hits atomic.Int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(arrived)
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	h.subscribe(t, server.URL, nil)

	first := make(chan Report, 1)
	go func() {
		report, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-dup"))
		assert.NoError(t, err)
		first <- report
	}()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never reached the endpoint")
	}

	second, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-dup"))
	require.NoError(t, err)
	assert.Equal(t, ReportProcessing, second.Status)
	assert.Empty(t, second.Outcomes)

	close(release)
	firstReport := <-first
	assert.Equal(t, ReportDelivered, firstReport.Status)

	third, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-dup"))
	require.NoError(t, err)
	assert.Equal(t, ReportDuplicate, third.Status)
	require.Len(t, third.Outcomes, 1, "a completed duplicate replays the cached outcomes")
	assert.Equal(t, domain.OutcomeDelivered, third.Outcomes[0].Status)

	assert.Equal(t, int32(1), hits.Load())
}

func TestOrchestrator_OpenCircuitShortCircuits(t *testing.T) {
	h := setupHarness(t)
	server, hits := statusServer(t, http.StatusInternalServerError)

	sub := h.subscribe(t, server.URL, &domain.RetryPolicy{
		MaxAttempts: 5,
		CircuitBreaker: domain.BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			OpenTimeout:      domain.Duration(time.Minute),
			ResetTimeout:     domain.Duration(time.Minute),
		},
	})

	report, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, 5, report.Outcomes[0].Attempts)
	assert.Equal(t, int32(5), hits.Load())

	m, ok := h.breakers.Metrics(sub.ID)
	require.True(t, ok)
	assert.Equal(t, engine.StateOpen, m.State)
	assert.Equal(t, 1, h.feed.count(ws.FeedCircuitChanged))

	report, err = h.orch.DeliverEvent(context.Background(), testEnvelope("evt-2"))
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	outcome := report.Outcomes[0]
	assert.Equal(t, domain.OutcomeCircuitOpen, outcome.Status)
	assert.Equal(t, 0, outcome.Attempts)
	assert.True(t, outcome.DeadLettered)
	assert.Equal(t, int32(5), hits.Load(), "no HTTP call while the circuit is open")
	assert.Len(t, h.attempts.all(), 5, "circuit-open calls are not recorded as attempts")

	entry, err := h.queue.Get(context.Background(), domain.DeadLetterID("evt-2", sub.ID))
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Attempts)
	assert.Equal(t, domain.DeadLetterPending, entry.Status)
	require.NotNil(t, entry.NextRetryAt)
}

func TestOrchestrator_ManualRetryRecoversDeadLetter(t *testing.T) {
	h := setupHarness(t)

	var failing atomic.Bool
	failing.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := h.subscribe(t, server.URL, &domain.RetryPolicy{MaxAttempts: 2})
	_, err := h.orch.DeliverEvent(context.Background(), testEnvelope("evt-1"))
	require.NoError(t, err)

	failing.Store(false)
	entry, err := h.queue.ManualRetry(context.Background(), domain.DeadLetterID("evt-1", sub.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterRecovered, entry.Status)
	assert.NotNil(t, entry.RecoveredAt)

	attempts := h.attempts.all()
	require.Len(t, attempts, 3)
	assert.Equal(t, 3, attempts[2].AttemptNumber)
	assert.Equal(t, domain.AttemptSuccess, attempts[2].Outcome)
	assert.Equal(t, 1, h.feed.count(ws.FeedDeadLetterRecovered))
}

func TestOrchestrator_RetryDeadLetterForInactiveSubscription(t *testing.T) {
	h := setupHarness(t)
	server, hits := statusServer(t, http.StatusOK)
	sub := h.subscribe(t, server.URL, nil)
	_, err := h.subs.Deactivate(context.Background(), sub.ID)
	require.NoError(t, err)

	err = h.orch.RetryDeadLetter(context.Background(), domain.DeadLetterEntry{
		EventID:        "evt-1",
		SubscriptionID: sub.ID,
		Payload:        []byte(`{"metadata":{"eventId":"evt-1","eventType":"producto.creado"}}`),
		Attempts:       1,
	})
	assert.ErrorIs(t, err, domain.ErrPermanentDelivery)
	assert.Equal(t, int32(0), hits.Load())
}
