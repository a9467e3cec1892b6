package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

// CreateEvent stores an accepted envelope. It reports false when an event
// with the same id was already stored.
func (s *PostgresStore) CreateEvent(ctx context.Context, event *domain.Event) (bool, error) {
	envelope, err := json.Marshal(event.Envelope)
	if err != nil {
		return false, fmt.Errorf("encoding envelope: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, event_type, source, correlation_id, envelope, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.EventType, event.Source, event.CorrelationID, envelope, event.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, event_type, COALESCE(source, ''), COALESCE(correlation_id, ''), envelope, created_at
		FROM events WHERE id = $1
	`, id)
	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", notFound(err))
	}
	return event, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, eventType string, limit int) ([]domain.Event, error) {
	query := `SELECT id, event_type, COALESCE(source, ''), COALESCE(correlation_id, ''), envelope, created_at FROM events`
	args := []any{}
	argIdx := 1

	if eventType != "" {
		query += fmt.Sprintf(" WHERE event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var (
		e        domain.Event
		envelope []byte
	)
	if err := row.Scan(&e.ID, &e.EventType, &e.Source, &e.CorrelationID, &envelope, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(envelope, &e.Envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &e, nil
}
