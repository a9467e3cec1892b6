package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

type countingDeliverer struct {
	delivered atomic.Int32
	mu        sync.Mutex
	ids       []string
}

func (d *countingDeliverer) DeliverEvent(_ context.Context, env domain.Envelope) (Report, error) {
	d.delivered.Add(1)
	d.mu.Lock()
	d.ids = append(d.ids, env.Metadata.EventID)
	d.mu.Unlock()
	return Report{EventID: env.Metadata.EventID, Status: ReportDelivered}, nil
}

type sliceSource struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (s *sliceSource) Claim(_ context.Context, limit int) ([]domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.envs))
	out := s.envs[:n]
	s.envs = s.envs[n:]
	return out, nil
}

func (s *sliceSource) Enqueue(_ context.Context, env domain.Envelope, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *sliceSource) Depth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.envs)), nil
}

func TestWorkerPool_ProcessesJobs(t *testing.T) {
	deliverer := &countingDeliverer{}
	pool := NewPool(3, deliverer, testLogger())
	pool.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.True(t, pool.Submit(context.Background(), testEnvelope("evt-"+string(rune('a'+i)))))
	}
	pool.Stop()

	assert.Equal(t, int32(10), deliverer.delivered.Load())
}

func TestWorkerPool_StopIsIdempotent(t *testing.T) {
	pool := NewPool(1, &countingDeliverer{}, testLogger())
	pool.Start(context.Background())
	pool.Stop()
	assert.NotPanics(t, pool.Stop)
}

func TestWorkerPool_SubmitGivesUpOnCancelledContext(t *testing.T) {
	// No workers started, so the buffer fills up.
	pool := NewPool(1, &countingDeliverer{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	assert.True(t, pool.Submit(ctx, testEnvelope("evt-1")))
	assert.True(t, pool.Submit(ctx, testEnvelope("evt-2")))

	cancel()
	assert.False(t, pool.Submit(ctx, testEnvelope("evt-3")))
}

func TestDispatcher_DrainsSource(t *testing.T) {
	source := &sliceSource{}
	for i := 0; i < 25; i++ {
		source.envs = append(source.envs, testEnvelope("evt-"+string(rune('a'+i))))
	}

	deliverer := &countingDeliverer{}
	pool := NewPool(2, deliverer, testLogger())
	pool.Start(context.Background())

	d := NewDispatcher(source, pool, nil, testLogger())
	d.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return deliverer.delivered.Load() == 25
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	pool.Stop()

	depth, _ := source.Depth(context.Background())
	assert.Zero(t, depth)
}

func TestDispatcher_RequeuesUnsubmittedOnShutdown(t *testing.T) {
	source := &sliceSource{}
	for i := 0; i < 5; i++ {
		source.envs = append(source.envs, testEnvelope("evt-"+string(rune('a'+i))))
	}

	// No workers started: the job buffer holds two envelopes and the third
	// Submit blocks until the context is cancelled.
	pool := NewPool(1, &countingDeliverer{}, testLogger())
	d := NewDispatcher(source, pool, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() {
		done <- d.poll(ctx)
	}()

	require.Eventually(t, func() bool { return len(pool.jobs) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Equal(t, 2, <-done)

	depth, _ := source.Depth(context.Background())
	assert.Equal(t, int64(3), depth)

	source.mu.Lock()
	ids := []string{}
	for _, env := range source.envs {
		ids = append(ids, env.Metadata.EventID)
	}
	source.mu.Unlock()
	assert.ElementsMatch(t, []string{"evt-c", "evt-d", "evt-e"}, ids)
}
