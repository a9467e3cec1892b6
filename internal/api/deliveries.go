package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/store"
)

type AttemptStore interface {
	ListDeliveryAttempts(ctx context.Context, filter store.AttemptFilter) ([]domain.DeliveryAttempt, error)
	GetDeliveryAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
}

type DeliveryHandler struct {
	store  AttemptStore
	logger *slog.Logger
}

func NewDeliveryHandler(s AttemptStore, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: s, logger: logger}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	attempts, err := h.store.ListDeliveryAttempts(r.Context(), store.AttemptFilter{
		EventID:        q.Get("event_id"),
		SubscriptionID: q.Get("subscription_id"),
		Outcome:        domain.AttemptOutcome(q.Get("outcome")),
		Limit:          queryLimit(r, 50),
	})
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.store.GetDeliveryAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, attempt)
}
