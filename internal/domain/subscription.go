package domain

import (
	"time"
)

// Subscription is an externally registered endpoint and the event types it receives.
type Subscription struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	EndpointURL        string      `json:"endpoint_url"`
	SharedSecret       string      `json:"shared_secret,omitempty"`
	EventPatterns      []string    `json:"event_patterns"`
	Active             bool        `json:"active"`
	RetryPolicy        RetryPolicy `json:"retry_policy"`
	RateLimitPerSecond int         `json:"rate_limit_per_second"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Redacted returns a copy without the shared secret, for listings.
func (s Subscription) Redacted() Subscription {
	s.SharedSecret = ""
	return s
}

type CreateSubscriptionRequest struct {
	Name               string       `json:"name"`
	EndpointURL        string       `json:"endpoint_url"`
	SharedSecret       string       `json:"shared_secret,omitempty"`
	EventPatterns      []string     `json:"event_patterns"`
	RetryPolicy        *RetryPolicy `json:"retry_policy,omitempty"`
	RateLimitPerSecond int          `json:"rate_limit_per_second"`
}

type UpdateSubscriptionRequest struct {
	Name               *string      `json:"name,omitempty"`
	EndpointURL        *string      `json:"endpoint_url,omitempty"`
	EventPatterns      []string     `json:"event_patterns,omitempty"`
	Active             *bool        `json:"active,omitempty"`
	RetryPolicy        *RetryPolicy `json:"retry_policy,omitempty"`
	RateLimitPerSecond *int         `json:"rate_limit_per_second,omitempty"`
}

type CreateSubscriptionResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SharedSecret string `json:"shared_secret"`
}
