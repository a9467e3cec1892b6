package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
)

type SubscriptionService interface {
	Create(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error)
	Get(ctx context.Context, id string) (*domain.Subscription, error)
	List(ctx context.Context) ([]domain.Subscription, error)
	Update(ctx context.Context, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error)
	Activate(ctx context.Context, id string) (*domain.Subscription, error)
	Deactivate(ctx context.Context, id string) (*domain.Subscription, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type SubscriptionHandler struct {
	subs     SubscriptionService
	breakers *engine.Registry
	logger   *slog.Logger
}

func NewSubscriptionHandler(subs SubscriptionService, breakers *engine.Registry, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs, breakers: breakers, logger: logger}
}

// Create registers a subscription. The shared secret is only ever returned here.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, ErrInvalidRequest)
		return
	}

	sub, err := h.subs.Create(r.Context(), req)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	h.logger.Info("subscription created", "subscription_id", sub.ID, "endpoint", sub.EndpointURL)

	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		ID:           sub.ID,
		Name:         sub.Name,
		SharedSecret: sub.SharedSecret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.List(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	redacted := make([]domain.Subscription, 0, len(subs))
	for _, sub := range subs {
		redacted = append(redacted, sub.Redacted())
	}
	respondJSON(w, http.StatusOK, redacted)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, sub.Redacted())
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, ErrInvalidRequest)
		return
	}

	sub, err := h.subs.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, sub.Redacted())
}

func (h *SubscriptionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.subs.Activate)
}

func (h *SubscriptionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.subs.Deactivate)
}

func (h *SubscriptionHandler) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*domain.Subscription, error)) {
	sub, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, sub.Redacted())
}

// Delete removes a subscription outright, or deactivates it when delivery
// attempts still reference it.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := h.subs.Delete(r.Context(), id)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	result := "deleted"
	if !deleted {
		result = "deactivated"
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "result": result})
}

type subscriptionHealth struct {
	SubscriptionID string                `json:"subscription_id"`
	Name           string                `json:"name"`
	EndpointURL    string                `json:"endpoint_url"`
	Active         bool                  `json:"active"`
	CircuitBreaker engine.CircuitMetrics `json:"circuit_breaker"`
}

func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	cb, _ := h.breakers.Metrics(sub.ID)

	respondJSON(w, http.StatusOK, subscriptionHealth{
		SubscriptionID: sub.ID,
		Name:           sub.Name,
		EndpointURL:    sub.EndpointURL,
		Active:         sub.Active,
		CircuitBreaker: cb,
	})
}
