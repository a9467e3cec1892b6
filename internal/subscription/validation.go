package subscription

import (
	"errors"
	"fmt"
	"net/url"

	validation "github.com/jellydator/validation"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
)

// endpointURL accepts absolute http and https URLs.
var endpointURL = validation.By(func(value interface{}) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case *string:
		if v != nil {
			s = *v
		}
	}
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return validation.NewError("validation_endpoint_url", "must be an absolute http or https URL")
	}
	return nil
})

// eventPatterns rejects patterns the matcher cannot compile.
var eventPatterns = validation.By(func(value interface{}) error {
	patterns, _ := value.([]string)
	for _, p := range patterns {
		if _, err := engine.CompilePattern(p); err != nil {
			return validation.NewError("validation_event_pattern", err.Error())
		}
	}
	return nil
})

func validateCreate(req *domain.CreateSubscriptionRequest) error {
	return wrapValidationError(validation.ValidateStruct(req,
		validation.Field(&req.Name,
			validation.Required.Error("name is required"),
			validation.Length(1, 255).Error("name must be between 1 and 255 characters"),
		),
		validation.Field(&req.EndpointURL,
			validation.Required.Error("endpoint_url is required"),
			endpointURL,
		),
		validation.Field(&req.SharedSecret,
			validation.Length(16, 256).Error("shared_secret must be between 16 and 256 characters"),
		),
		validation.Field(&req.EventPatterns,
			validation.Required.Error("at least one event pattern is required"),
			eventPatterns,
		),
		validation.Field(&req.RateLimitPerSecond,
			validation.Min(0).Error("rate_limit_per_second must not be negative"),
		),
	))
}

func validateUpdate(req *domain.UpdateSubscriptionRequest) error {
	return wrapValidationError(validation.ValidateStruct(req,
		validation.Field(&req.Name,
			validation.NilOrNotEmpty.Error("name must not be empty"),
			validation.Length(1, 255),
		),
		validation.Field(&req.EndpointURL,
			validation.NilOrNotEmpty.Error("endpoint_url must not be empty"),
			endpointURL,
		),
		validation.Field(&req.EventPatterns, eventPatterns),
		validation.Field(&req.RateLimitPerSecond,
			validation.Min(0).Error("rate_limit_per_second must not be negative"),
		),
	))
}

// wrapValidationError maps field errors onto domain.ErrInvalidInput.
func wrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, err.Error())
}
