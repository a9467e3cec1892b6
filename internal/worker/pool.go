package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

// EventDeliverer is what a pool worker runs for each envelope.
type EventDeliverer interface {
	DeliverEvent(ctx context.Context, env domain.Envelope) (Report, error)
}

// Pool manages a fixed number of worker goroutines that deliver envelopes.
type Pool struct {
	numWorkers int
	jobs       chan domain.Envelope
	deliverer  EventDeliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func NewPool(numWorkers int, deliverer EventDeliverer, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan domain.Envelope, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches the workers. They run until Stop closes the job channel.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands env to a worker, blocking while all workers are busy.
// It gives up when ctx is done.
func (p *Pool) Submit(ctx context.Context, env domain.Envelope) bool {
	select {
	case p.jobs <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the job channel and waits for in-flight deliveries.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for env := range p.jobs {
		report, err := p.deliverer.DeliverEvent(ctx, env)
		if err != nil {
			p.logger.Error("event delivery failed",
				"worker", id,
				"event_id", env.Metadata.EventID,
				"error", err,
			)
			continue
		}
		p.logger.Debug("event processed",
			"worker", id,
			"event_id", report.EventID,
			"status", report.Status,
		)
	}
}
