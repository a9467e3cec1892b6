// Package dlq parks deliveries that exhausted their retries and re-drives
// them on a schedule.
package dlq

import (
	"context"
	"time"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

// UpdateFunc receives the current entry (nil if absent) and returns the
// entry to persist. Returning an error aborts the write.
type UpdateFunc func(cur *domain.DeadLetterEntry) (*domain.DeadLetterEntry, error)

type ListFilter struct {
	Status         domain.DeadLetterStatus
	SubscriptionID string
	Limit          int
}

// Store persists dead letter entries. Update must be atomic per id.
type Store interface {
	Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*domain.DeadLetterEntry, error)
	// ClaimDue moves up to limit entries to retrying and returns them:
	// pending entries due at now, and retrying entries last updated before
	// staleBefore whose claimer never reported back.
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.DeadLetterEntry, error)
	List(ctx context.Context, filter ListFilter) ([]domain.DeadLetterEntry, error)
	CountByStatus(ctx context.Context) (map[domain.DeadLetterStatus]int, error)
	// DeleteResolvedBefore removes recovered and discarded entries last
	// updated before the cutoff.
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int, error)
}
