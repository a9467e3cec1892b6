package domain

import (
	"encoding/json"
	"time"
)

// EventMetadata identifies a domain event emitted by the platform.
type EventMetadata struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Source        string    `json:"source,omitempty"`
	Version       string    `json:"version,omitempty"`
}

// Envelope is the standardized event representation delivered to subscribers.
type Envelope struct {
	Metadata EventMetadata     `json:"metadata"`
	Payload  json.RawMessage   `json:"payload"`
	Headers  map[string]string `json:"headers,omitempty"`
	Links    map[string]string `json:"links,omitempty"`
}

// Event is a persisted envelope as accepted by the ingest API.
type Event struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Envelope      Envelope  `json:"envelope"`
	CreatedAt     time.Time `json:"created_at"`
}

type CreateEventRequest struct {
	EventID       string            `json:"event_id,omitempty"`
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Source        string            `json:"source,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Version       string            `json:"version,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Links         map[string]string `json:"links,omitempty"`
}
