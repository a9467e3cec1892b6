// Package subscription manages webhook endpoint registrations.
package subscription

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

// Repository persists subscriptions. Get returns domain.ErrNotFound for
// unknown ids.
type Repository interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	HasDeliveryAttempts(ctx context.Context, subscriptionID string) (bool, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	subs     map[string]domain.Subscription
	attempts map[string]bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		subs:     make(map[string]domain.Subscription),
		attempts: make(map[string]bool),
	}
}

func (r *MemoryRepository) CreateSubscription(_ context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = clone(*sub)
	return nil
}

func (r *MemoryRepository) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := clone(sub)
	return &out, nil
}

func (r *MemoryRepository) ListSubscriptions(_ context.Context) ([]domain.Subscription, error) {
	return r.list(false), nil
}

func (r *MemoryRepository) ListActiveSubscriptions(_ context.Context) ([]domain.Subscription, error) {
	return r.list(true), nil
}

func (r *MemoryRepository) list(activeOnly bool) []domain.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []domain.Subscription{}
	for _, sub := range r.subs {
		if activeOnly && !sub.Active {
			continue
		}
		out = append(out, clone(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) UpdateSubscription(_ context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; !ok {
		return domain.ErrNotFound
	}
	r.subs[sub.ID] = clone(*sub)
	return nil
}

func (r *MemoryRepository) DeleteSubscription(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.subs, id)
	return nil
}

func (r *MemoryRepository) HasDeliveryAttempts(_ context.Context, subscriptionID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempts[subscriptionID], nil
}

// MarkAttempted records that a delivery referenced subscriptionID.
func (r *MemoryRepository) MarkAttempted(subscriptionID string) {
	r.mu.Lock()
	r.attempts[subscriptionID] = true
	r.mu.Unlock()
}

func clone(sub domain.Subscription) domain.Subscription {
	sub.EventPatterns = slices.Clone(sub.EventPatterns)
	sub.RetryPolicy.RetryableStatuses = slices.Clone(sub.RetryPolicy.RetryableStatuses)
	return sub
}
