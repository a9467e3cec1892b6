package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrReplayRejected    = errors.New("timestamp outside allowed drift")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrTransientDelivery = errors.New("transient delivery error")
	ErrPermanentDelivery = errors.New("permanent delivery error")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrConfiguration     = errors.New("invalid configuration")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ConfigurationError rejects invalid backoff or breaker parameters.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
