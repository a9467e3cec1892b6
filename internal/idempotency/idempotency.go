// Package idempotency suppresses duplicate processing of events by key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	DefaultInboundTTL    = 7 * 24 * time.Hour
	DefaultDeliveryTTL   = 24 * time.Hour
	DefaultProcessingTTL = 5 * time.Minute
	DefaultSweepInterval = time.Hour
)

type Components struct {
	EventType string `json:"event_type"`
	EntityID  string `json:"entity_id"`
	Action    string `json:"action"`
}

// Key is a generated idempotency key and its fingerprint.
type Key struct {
	Key        string     `json:"key"`
	Hash       string     `json:"hash"`
	Components Components `json:"components"`
}

type Record struct {
	Hash       string          `json:"hash"`
	Components Components      `json:"components"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

func (r *Record) live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Store persists records. Acquire and Finish must each be atomic per hash.
type Store interface {
	// Get returns the live record for hash, or nil. Expired records are evicted.
	Get(ctx context.Context, hash string) (*Record, error)
	// Acquire inserts rec unless a live processing or completed record exists.
	Acquire(ctx context.Context, rec Record) (bool, error)
	// Finish applies rec's status, result, error, updated and expiry times to
	// the live record for rec.Hash, keeping its components and creation time.
	// Without a live record rec is stored as given.
	Finish(ctx context.Context, rec Record) error
	Purge(ctx context.Context, now time.Time) (int, error)
	Counts(ctx context.Context) (map[Status]int, error)
	Clear(ctx context.Context) error
}

// GenerateKey builds "<eventType>:<entityID>:<action>" and its SHA-256.
// A non-empty extra is folded into the hash as the first 8 hex chars of its
// own SHA-256, so keys differing only in extra stay distinct.
func GenerateKey(eventType, entityID, action, extra string) Key {
	key := eventType + ":" + entityID + ":" + action

	input := key
	if extra != "" {
		sum := sha256.Sum256([]byte(extra))
		input += ":" + hex.EncodeToString(sum[:])[:8]
	}
	sum := sha256.Sum256([]byte(input))

	return Key{
		Key:  key,
		Hash: hex.EncodeToString(sum[:]),
		Components: Components{
			EventType: eventType,
			EntityID:  entityID,
			Action:    action,
		},
	}
}
