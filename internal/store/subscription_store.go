package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

const subscriptionColumns = `id, name, endpoint_url, shared_secret, event_patterns, active,
	retry_policy, rate_limit_per_second, created_at, updated_at`

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	policy, err := json.Marshal(sub.RetryPolicy)
	if err != nil {
		return fmt.Errorf("encoding retry policy: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sub.ID, sub.Name, sub.EndpointURL, sub.SharedSecret, sub.EventPatterns, sub.Active,
		policy, sub.RateLimitPerSecond, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", notFound(err))
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE active = true ORDER BY created_at`)
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	policy, err := json.Marshal(sub.RetryPolicy)
	if err != nil {
		return fmt.Errorf("encoding retry policy: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET name = $2, endpoint_url = $3, event_patterns = $4, active = $5,
			retry_policy = $6, rate_limit_per_second = $7, updated_at = $8
		WHERE id = $1
	`, sub.ID, sub.Name, sub.EndpointURL, sub.EventPatterns, sub.Active,
		policy, sub.RateLimitPerSecond, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) HasDeliveryAttempts(ctx context.Context, subscriptionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM delivery_attempts WHERE subscription_id = $1)`,
		subscriptionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking delivery attempts: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub    domain.Subscription
		policy []byte
	)
	err := row.Scan(
		&sub.ID, &sub.Name, &sub.EndpointURL, &sub.SharedSecret, &sub.EventPatterns, &sub.Active,
		&policy, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(policy, &sub.RetryPolicy); err != nil {
		return nil, fmt.Errorf("decoding retry policy: %w", err)
	}
	return &sub, nil
}
