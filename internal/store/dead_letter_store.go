package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/dlq"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

const deadLetterColumns = `id, event_id, subscription_id, event_type, payload, last_error, attempts,
	first_failed_at, last_failed_at, next_retry_at, status, discard_reason, recovered_at, updated_at`

// DeadLetterStore implements dlq.Store on PostgreSQL. Update serializes
// writers per entry with a transaction-scoped advisory lock on the id, which
// also covers the first write of an entry that has no row yet; ClaimDue uses
// SKIP LOCKED so several sweepers never claim the same row.
type DeadLetterStore struct {
	pg *PostgresStore
}

func (s *PostgresStore) DeadLetters() *DeadLetterStore {
	return &DeadLetterStore{pg: s}
}

var _ dlq.Store = (*DeadLetterStore)(nil)

func (d *DeadLetterStore) Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	row := d.pg.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	e, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return e, nil
}

func (d *DeadLetterStore) Update(ctx context.Context, id string, fn dlq.UpdateFunc) (*domain.DeadLetterEntry, error) {
	tx, err := d.pg.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return nil, fmt.Errorf("locking dead letter id: %w", err)
	}

	var cur *domain.DeadLetterEntry
	row := tx.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1 FOR UPDATE`, id)
	existing, err := scanDeadLetter(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("locking dead letter: %w", err)
	default:
		cur = existing
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	next.ID = id

	_, err = tx.Exec(ctx, `
		INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			payload = EXCLUDED.payload,
			last_error = EXCLUDED.last_error,
			attempts = EXCLUDED.attempts,
			first_failed_at = EXCLUDED.first_failed_at,
			last_failed_at = EXCLUDED.last_failed_at,
			next_retry_at = EXCLUDED.next_retry_at,
			status = EXCLUDED.status,
			discard_reason = EXCLUDED.discard_reason,
			recovered_at = EXCLUDED.recovered_at,
			updated_at = EXCLUDED.updated_at
	`, next.ID, next.EventID, next.SubscriptionID, next.EventType, []byte(next.Payload), next.LastError,
		next.Attempts, next.FirstFailedAt, next.LastFailedAt, next.NextRetryAt, next.Status,
		next.DiscardReason, next.RecoveredAt, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("writing dead letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing dead letter: %w", err)
	}
	return next, nil
}

func (d *DeadLetterStore) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.DeadLetterEntry, error) {
	rows, err := d.pg.pool.Query(ctx, `
		UPDATE dead_letters SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM dead_letters
			WHERE (status = $3 AND next_retry_at <= $2)
			   OR (status = $1 AND updated_at < $4)
			ORDER BY COALESCE(next_retry_at, updated_at)
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deadLetterColumns,
		domain.DeadLetterRetrying, now, domain.DeadLetterPending, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming due dead letters: %w", err)
	}
	return collectDeadLetters(rows)
}

func (d *DeadLetterStore) List(ctx context.Context, filter dlq.ListFilter) ([]domain.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	args := []any{}
	conditions := []string{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SubscriptionID != "" {
		args = append(args, filter.SubscriptionID)
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY last_failed_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := d.pg.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	return collectDeadLetters(rows)
}

func (d *DeadLetterStore) CountByStatus(ctx context.Context) (map[domain.DeadLetterStatus]int, error) {
	rows, err := d.pg.pool.Query(ctx, `SELECT status, COUNT(*) FROM dead_letters GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting dead letters: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.DeadLetterStatus]int)
	for rows.Next() {
		var (
			status domain.DeadLetterStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning dead letter count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (d *DeadLetterStore) DeleteResolvedBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := d.pg.pool.Exec(ctx, `
		DELETE FROM dead_letters
		WHERE status IN ($1, $2) AND updated_at < $3
	`, domain.DeadLetterRecovered, domain.DeadLetterDiscarded, before)
	if err != nil {
		return 0, fmt.Errorf("deleting resolved dead letters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectDeadLetters(rows pgx.Rows) ([]domain.DeadLetterEntry, error) {
	defer rows.Close()

	entries := []domain.DeadLetterEntry{}
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetterEntry, error) {
	var (
		e       domain.DeadLetterEntry
		payload []byte
	)
	err := row.Scan(
		&e.ID, &e.EventID, &e.SubscriptionID, &e.EventType, &payload, &e.LastError, &e.Attempts,
		&e.FirstFailedAt, &e.LastFailedAt, &e.NextRetryAt, &e.Status, &e.DiscardReason,
		&e.RecoveredAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
