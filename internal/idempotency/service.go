package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

type Config struct {
	ProcessingTTL time.Duration
	SweepInterval time.Duration
}

// Stats counts live records by status.
type Stats struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Service implements the processing → completed/failed lifecycle on a Store.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sweeps singleflight.Group
}

func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = DefaultProcessingTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// IsDuplicate reports whether hash has a live completed record, returning it
// so the caller can replay the cached result.
func (s *Service) IsDuplicate(ctx context.Context, hash string) (bool, *Record, error) {
	rec, err := s.store.Get(ctx, hash)
	if err != nil {
		return false, nil, err
	}
	if rec == nil || rec.Status != StatusCompleted {
		return false, nil, nil
	}
	return true, rec, nil
}

// MarkProcessing claims key. It returns false when another caller holds a
// live processing claim or the key already completed. Failed records may be
// claimed again. The claim lapses after ProcessingTTL if never finished.
func (s *Service) MarkProcessing(ctx context.Context, key Key) (bool, error) {
	now := s.now()
	ok, err := s.store.Acquire(ctx, Record{
		Hash:       key.Hash,
		Components: key.Components,
		Status:     StatusProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.ProcessingTTL),
	})
	if err != nil {
		return false, fmt.Errorf("marking %s processing: %w", key.Hash, err)
	}
	return ok, nil
}

// MarkCompleted stores result and keeps the record for ttl.
func (s *Service) MarkCompleted(ctx context.Context, hash string, result any, ttl time.Duration) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshaling idempotency result: %w", err)
		}
		raw = b
	}
	return s.finish(ctx, hash, StatusCompleted, raw, "", ttl)
}

// MarkFailed records cause and keeps the record for ttl.
func (s *Service) MarkFailed(ctx context.Context, hash string, cause error, ttl time.Duration) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, hash, StatusFailed, nil, msg, ttl)
}

func (s *Service) finish(ctx context.Context, hash string, status Status, result json.RawMessage, errMsg string, ttl time.Duration) error {
	now := s.now()
	err := s.store.Finish(ctx, Record{
		Hash:      hash,
		Status:    status,
		Result:    result,
		Error:     errMsg,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("marking %s %s: %w", hash, status, err)
	}
	return nil
}

// Check returns the live record for hash, or nil.
func (s *Service) Check(ctx context.Context, hash string) (*Record, error) {
	return s.store.Get(ctx, hash)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Processing: counts[StatusProcessing],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
	}
	st.Total = st.Processing + st.Completed + st.Failed
	return st, nil
}

// Cleanup purges expired records. Concurrent calls share one run.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	v, err, _ := s.sweeps.Do("sweep", func() (any, error) {
		return s.store.Purge(ctx, s.now())
	})
	if err != nil {
		return 0, fmt.Errorf("purging idempotency records: %w", err)
	}
	return v.(int), nil
}

// Reset drops every record.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing idempotency records: %w", err)
	}
	s.logger.Warn("idempotency store reset")
	return nil
}

// Start runs Cleanup every SweepInterval until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("idempotency sweeper started", "interval", s.cfg.SweepInterval)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("idempotency sweeper stopping")
			return
		case <-ticker.C:
			removed, err := s.Cleanup(ctx)
			if err != nil {
				s.logger.Error("idempotency sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("idempotency sweep complete", "removed", removed)
			}
		}
	}
}
