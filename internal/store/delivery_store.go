package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

const attemptColumns = `id, event_id, subscription_id, attempt_number, started_at, outcome,
	status_code, latency_ms, COALESCE(error, '')`

// AttemptFilter narrows ListDeliveryAttempts. Zero values match everything.
type AttemptFilter struct {
	EventID        string
	SubscriptionID string
	Outcome        domain.AttemptOutcome
	Limit          int
}

// RecordAttempt appends one delivery attempt. Rows are never updated.
func (s *PostgresStore) RecordAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	var errMsg *string
	if a.Error != "" {
		errMsg = &a.Error
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (id, event_id, subscription_id, attempt_number, started_at, outcome, status_code, latency_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.EventID, a.SubscriptionID, a.AttemptNumber, a.StartedAt, a.Outcome, a.StatusCode, a.LatencyMs, errMsg)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

// HasDeliveryAttempts reports whether any attempt was recorded for eventID.
func (s *PostgresStore) HasDeliveryAttempts(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM delivery_attempts WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking delivery attempts: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListDeliveryAttempts(ctx context.Context, filter AttemptFilter) ([]domain.DeliveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts`
	args := []any{}
	conditions := []string{}

	if filter.EventID != "" {
		args = append(args, filter.EventID)
		conditions = append(conditions, fmt.Sprintf("event_id = $%d", len(args)))
	}
	if filter.SubscriptionID != "" {
		args = append(args, filter.SubscriptionID)
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if filter.Outcome != "" {
		args = append(args, filter.Outcome)
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", len(args)))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY started_at DESC, attempt_number DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) GetDeliveryAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempt: %w", notFound(err))
	}
	return a, nil
}

func scanAttempt(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var a domain.DeliveryAttempt
	err := row.Scan(
		&a.ID, &a.EventID, &a.SubscriptionID, &a.AttemptNumber, &a.StartedAt,
		&a.Outcome, &a.StatusCode, &a.LatencyMs, &a.Error,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
