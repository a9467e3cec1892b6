package domain

import (
	"encoding/json"
	"time"
)

type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterRetrying  DeadLetterStatus = "retrying"
	DeadLetterExhausted DeadLetterStatus = "exhausted"
	DeadLetterRecovered DeadLetterStatus = "recovered"
	DeadLetterDiscarded DeadLetterStatus = "discarded"
)

// DeadLetterEntry parks a delivery that failed for one subscription.
// Payload holds the full envelope so the entry can be re-driven.
type DeadLetterEntry struct {
	ID             string           `json:"id"`
	EventID        string           `json:"event_id"`
	SubscriptionID string           `json:"subscription_id"`
	EventType      string           `json:"event_type"`
	Payload        json.RawMessage  `json:"payload"`
	LastError      string           `json:"last_error"`
	Attempts       int              `json:"attempts"`
	FirstFailedAt  time.Time        `json:"first_failed_at"`
	LastFailedAt   time.Time        `json:"last_failed_at"`
	NextRetryAt    *time.Time       `json:"next_retry_at"`
	Status         DeadLetterStatus `json:"status"`
	DiscardReason  string           `json:"discard_reason,omitempty"`
	RecoveredAt    *time.Time       `json:"recovered_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// DeadLetterID builds the entry key. One event fans out to many
// subscriptions, so the key carries both.
func DeadLetterID(eventID, subscriptionID string) string {
	return eventID + ":" + subscriptionID
}
