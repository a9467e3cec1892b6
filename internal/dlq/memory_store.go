package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

// MemoryStore keeps entries in a map guarded by one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]domain.DeadLetterEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]domain.DeadLetterEntry)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (*domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *domain.DeadLetterEntry
	if e, ok := s.entries[id]; ok {
		cur = &e
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	next.ID = id
	s.entries[id] = *next
	out := *next
	return &out, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now, staleBefore time.Time, limit int) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.DeadLetterEntry
	for _, e := range s.entries {
		switch {
		case e.Status == domain.DeadLetterPending && e.NextRetryAt != nil && !e.NextRetryAt.After(now):
			due = append(due, e)
		case e.Status == domain.DeadLetterRetrying && e.UpdatedAt.Before(staleBefore):
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return claimOrder(due[i]).Before(claimOrder(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		due[i].Status = domain.DeadLetterRetrying
		due[i].UpdatedAt = now
		s.entries[due[i].ID] = due[i]
	}
	return due, nil
}

func claimOrder(e domain.DeadLetterEntry) time.Time {
	if e.NextRetryAt != nil {
		return *e.NextRetryAt
	}
	return e.UpdatedAt
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.DeadLetterEntry{}
	for _, e := range s.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.SubscriptionID != "" && e.SubscriptionID != filter.SubscriptionID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastFailedAt.After(out[j].LastFailedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[domain.DeadLetterStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.DeadLetterStatus]int)
	for _, e := range s.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) DeleteResolvedBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		resolved := e.Status == domain.DeadLetterRecovered || e.Status == domain.DeadLetterDiscarded
		if resolved && e.UpdatedAt.Before(before) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
