package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/idempotency"
)

type IdempotencyHandler struct {
	svc    *idempotency.Service
	logger *slog.Logger
}

func NewIdempotencyHandler(svc *idempotency.Service, logger *slog.Logger) *IdempotencyHandler {
	return &IdempotencyHandler{svc: svc, logger: logger}
}

func (h *IdempotencyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *IdempotencyHandler) Check(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Check(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	if rec == nil {
		respondError(w, ErrResourceNotFound)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *IdempotencyHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.svc.Cleanup(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *IdempotencyHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reset(r.Context()); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
