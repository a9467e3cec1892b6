package domain

import (
	"time"
)

type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailure AttemptOutcome = "failure"
)

// DeliveryAttempt is one HTTP call to a subscriber endpoint. Append-only.
type DeliveryAttempt struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	SubscriptionID string         `json:"subscription_id"`
	AttemptNumber  int            `json:"attempt_number"`
	StartedAt      time.Time      `json:"started_at"`
	Outcome        AttemptOutcome `json:"outcome"`
	StatusCode     *int           `json:"status_code,omitempty"`
	LatencyMs      int64          `json:"latency_ms"`
	Error          string         `json:"error,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeDelivered   OutcomeStatus = "delivered"
	OutcomeFailed      OutcomeStatus = "failed"
	OutcomeRejected    OutcomeStatus = "rejected"
	OutcomeCircuitOpen OutcomeStatus = "circuit_open"
)

// SubscriptionOutcome summarizes one subscription's attempt sequence for an event.
type SubscriptionOutcome struct {
	SubscriptionID string        `json:"subscription_id"`
	EndpointURL    string        `json:"endpoint_url"`
	Status         OutcomeStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	StatusCode     *int          `json:"status_code,omitempty"`
	Error          string        `json:"error,omitempty"`
	DeadLettered   bool          `json:"dead_lettered"`
}
