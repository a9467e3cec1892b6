package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/dlq"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

type DeadLetterHandler struct {
	queue  *dlq.Queue
	logger *slog.Logger
}

func NewDeadLetterHandler(q *dlq.Queue, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{queue: q, logger: logger}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	entries, err := h.queue.List(r.Context(), dlq.ListFilter{
		Status:         domain.DeadLetterStatus(q.Get("status")),
		SubscriptionID: q.Get("subscription_id"),
		Limit:          queryLimit(r, 50),
	})
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *DeadLetterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// Retry re-drives the entry immediately and returns it in its new state.
func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.ManualRetry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

type discardRequest struct {
	Reason string `json:"reason"`
}

func (h *DeadLetterHandler) Discard(w http.ResponseWriter, r *http.Request) {
	var req discardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, ErrInvalidRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	entry, err := h.queue.Discard(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
