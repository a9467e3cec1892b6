package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/metrics"
)

// EnvelopeSource is a queue of envelopes ready for delivery. Claimed
// envelopes are removed from the queue; Enqueue puts one back.
type EnvelopeSource interface {
	Claim(ctx context.Context, limit int) ([]domain.Envelope, error)
	Enqueue(ctx context.Context, env domain.Envelope, at time.Time) error
	Depth(ctx context.Context) (int64, error)
}

// Dispatcher polls the delivery queue and feeds ready envelopes to the pool.
type Dispatcher struct {
	source       EnvelopeSource
	pool         *Pool
	metrics      *metrics.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

func NewDispatcher(source EnvelopeSource, pool *Pool, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:       source,
		pool:         pool,
		metrics:      m,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll claims a batch of envelopes and submits them to the pool.
func (d *Dispatcher) poll(ctx context.Context) int {
	envs, err := d.source.Claim(ctx, d.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to poll delivery queue", "error", err)
		}
		return 0
	}

	submitted := 0
	for _, env := range envs {
		if !d.pool.Submit(ctx, env) {
			d.requeue(ctx, envs[submitted:])
			break
		}
		submitted++
	}

	if depth, err := d.source.Depth(ctx); err == nil {
		d.metrics.SetQueueDepth(depth)
	}
	return submitted
}

// requeue returns claimed envelopes the pool never accepted so they are
// picked up by the next poll or the next process.
func (d *Dispatcher) requeue(ctx context.Context, envs []domain.Envelope) {
	writeCtx := context.WithoutCancel(ctx)
	now := time.Now()
	for _, env := range envs {
		if err := d.source.Enqueue(writeCtx, env, now); err != nil {
			d.logger.Error("failed to requeue envelope", "event_id", env.Metadata.EventID, "error", err)
			continue
		}
		d.logger.Warn("dispatcher stopped before submitting envelope, requeued", "event_id", env.Metadata.EventID)
	}
}
