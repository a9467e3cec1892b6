package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
)

// Service validates registrations and resolves which subscriptions receive
// an event. Patterns are compiled once per subscription and cached.
type Service struct {
	repo     Repository
	defaults domain.RetryPolicy
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	matchers map[string]cachedMatcher
}

type cachedMatcher struct {
	source  string
	matcher engine.Matcher
}

func NewService(repo Repository, defaults domain.RetryPolicy, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
		matchers: make(map[string]cachedMatcher),
	}
}

// Create registers a subscription. Invalid retry settings are rejected
// here with a domain.ConfigurationError so they never reach delivery.
func (s *Service) Create(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	policy := s.defaults
	if req.RetryPolicy != nil {
		policy = req.RetryPolicy.WithDefaults(s.defaults)
	}
	if err := engine.ValidateRetryPolicy(policy); err != nil {
		return nil, err
	}

	matcher, err := engine.CompileMatcher(req.EventPatterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	secret := req.SharedSecret
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return nil, fmt.Errorf("generating shared secret: %w", err)
		}
	}

	now := s.now().UTC()
	sub := &domain.Subscription{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(req.Name),
		EndpointURL:        req.EndpointURL,
		SharedSecret:       secret,
		EventPatterns:      normalizePatterns(req.EventPatterns),
		Active:             true,
		RetryPolicy:        policy,
		RateLimitPerSecond: req.RateLimitPerSecond,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}
	s.cache(sub.ID, sub.EventPatterns, matcher)

	s.logger.Info("subscription created",
		"subscription_id", sub.ID,
		"endpoint_url", sub.EndpointURL,
		"event_patterns", sub.EventPatterns,
	)
	return sub, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.repo.GetSubscription(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.Subscription, error) {
	return s.repo.ListSubscriptions(ctx)
}

func (s *Service) Update(ctx context.Context, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	if err := validateUpdate(&req); err != nil {
		return nil, err
	}

	sub, err := s.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		sub.Name = strings.TrimSpace(*req.Name)
	}
	if req.EndpointURL != nil {
		sub.EndpointURL = *req.EndpointURL
	}
	if req.EventPatterns != nil {
		sub.EventPatterns = normalizePatterns(req.EventPatterns)
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if req.RateLimitPerSecond != nil {
		sub.RateLimitPerSecond = *req.RateLimitPerSecond
	}
	if req.RetryPolicy != nil {
		policy := req.RetryPolicy.WithDefaults(s.defaults)
		if err := engine.ValidateRetryPolicy(policy); err != nil {
			return nil, err
		}
		sub.RetryPolicy = policy
	}
	sub.UpdatedAt = s.now().UTC()

	if err := s.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	s.invalidate(id)

	s.logger.Info("subscription updated", "subscription_id", id)
	return sub, nil
}

func (s *Service) Activate(ctx context.Context, id string) (*domain.Subscription, error) {
	active := true
	return s.Update(ctx, id, domain.UpdateSubscriptionRequest{Active: &active})
}

func (s *Service) Deactivate(ctx context.Context, id string) (*domain.Subscription, error) {
	active := false
	return s.Update(ctx, id, domain.UpdateSubscriptionRequest{Active: &active})
}

// Delete removes a subscription, or only deactivates it when delivery
// history still references it. The bool reports a hard delete.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	referenced, err := s.repo.HasDeliveryAttempts(ctx, id)
	if err != nil {
		return false, fmt.Errorf("checking delivery history: %w", err)
	}

	if referenced {
		if _, err := s.Deactivate(ctx, id); err != nil {
			return false, err
		}
		s.logger.Info("subscription deactivated instead of deleted", "subscription_id", id)
		return false, nil
	}

	if err := s.repo.DeleteSubscription(ctx, id); err != nil {
		return false, err
	}
	s.invalidate(id)
	s.logger.Info("subscription deleted", "subscription_id", id)
	return true, nil
}

// Matching returns the active subscriptions whose patterns match eventType.
func (s *Service) Matching(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	active, err := s.repo.ListActiveSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active subscriptions: %w", err)
	}

	var out []domain.Subscription
	for _, sub := range active {
		m, err := s.matcher(sub)
		if err != nil {
			s.logger.Error("skipping subscription with invalid patterns",
				"subscription_id", sub.ID,
				"error", err,
			)
			continue
		}
		if m.Matches(eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Service) matcher(sub domain.Subscription) (engine.Matcher, error) {
	source := strings.Join(sub.EventPatterns, "\x00")

	s.mu.RLock()
	c, ok := s.matchers[sub.ID]
	s.mu.RUnlock()
	if ok && c.source == source {
		return c.matcher, nil
	}

	m, err := engine.CompileMatcher(sub.EventPatterns)
	if err != nil {
		return nil, err
	}
	s.cache(sub.ID, sub.EventPatterns, m)
	return m, nil
}

func (s *Service) cache(id string, patterns []string, m engine.Matcher) {
	s.mu.Lock()
	s.matchers[id] = cachedMatcher{source: strings.Join(patterns, "\x00"), matcher: m}
	s.mu.Unlock()
}

func (s *Service) invalidate(id string) {
	s.mu.Lock()
	delete(s.matchers, id)
	s.mu.Unlock()
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
