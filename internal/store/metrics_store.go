package store

import (
	"context"
	"fmt"
)

// DeliveryMetrics holds aggregated delivery statistics for the dashboard.
type DeliveryMetrics struct {
	TotalAttempts       int            `json:"total_attempts"`
	SuccessCount        int            `json:"success_count"`
	FailureCount        int            `json:"failure_count"`
	SuccessRate         float64        `json:"success_rate"`
	AvgLatencyMs        float64        `json:"avg_latency_ms"`
	DeadLetters         map[string]int `json:"dead_letters"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	TotalEvents         int            `json:"total_events"`
}

// GetDeliveryMetrics returns aggregated delivery statistics from the database.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	m := DeliveryMetrics{DeadLetters: map[string]int{}}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE outcome = 'success') AS success,
			COUNT(*) FILTER (WHERE outcome = 'failure') AS failure,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
		FROM delivery_attempts
	`).Scan(&m.TotalAttempts, &m.SuccessCount, &m.FailureCount, &m.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}

	if m.TotalAttempts > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalAttempts) * 100
	}

	counts, err := s.DeadLetters().CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		m.DeadLetters[string(status)] = n
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions WHERE active`).Scan(&m.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&m.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("querying total events: %w", err)
	}

	return &m, nil
}
