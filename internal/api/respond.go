package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

// AppError is an error the admin surface is willing to show to callers.
type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrInvalidRequest     = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed   = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrInvalidConfig      = &AppError{http.StatusBadRequest, "INVALID_CONFIGURATION", "Invalid retry policy"}
	ErrResourceNotFound   = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInvalidTransition  = &AppError{http.StatusConflict, "INVALID_TRANSITION", "Resource is not in a state that allows this action"}
	ErrMissingSignature   = &AppError{http.StatusUnauthorized, "MISSING_SIGNATURE", "X-Webhook-Signature header is required"}
	ErrInvalidSignature   = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Signature is invalid or timestamp is stale"}
	ErrMissingWebhookMeta = &AppError{http.StatusBadRequest, "MISSING_WEBHOOK_HEADERS", "X-Webhook-Timestamp and X-Event-ID headers are required"}
	ErrInternalError      = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}
)

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, appErr *AppError) {
	respondErrorDetails(w, appErr, "")
}

func respondErrorDetails(w http.ResponseWriter, appErr *AppError, details string) {
	respondJSON(w, appErr.Status, errorBody{Error: apiError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: details,
	}})
}

// respondDomainError maps service errors onto the AppError table. Anything
// unrecognized is logged and reported as a 500 without detail.
func respondDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var cfgErr *domain.ConfigurationError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, ErrResourceNotFound)
	case errors.As(err, &cfgErr):
		respondErrorDetails(w, ErrInvalidConfig, cfgErr.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		respondErrorDetails(w, ErrValidationFailed, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		respondErrorDetails(w, ErrInvalidTransition, err.Error())
	default:
		logger.Error("request failed", "error", err)
		respondError(w, ErrInternalError)
	}
}

// queryLimit reads ?limit=, falling back to def for missing or invalid values.
func queryLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
