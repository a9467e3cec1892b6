package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
)

type CircuitHandler struct {
	breakers *engine.Registry
}

func NewCircuitHandler(breakers *engine.Registry) *CircuitHandler {
	return &CircuitHandler{breakers: breakers}
}

func (h *CircuitHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.breakers.All())
}

func (h *CircuitHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.breakers.Metrics(chi.URLParam(r, "key"))
	if !ok {
		respondError(w, ErrResourceNotFound)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *CircuitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.breakers.Reset)
}

func (h *CircuitHandler) Open(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.breakers.ForceOpen)
}

func (h *CircuitHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.breakers.ForceClose)
}

func (h *CircuitHandler) apply(w http.ResponseWriter, r *http.Request, fn func(key string)) {
	key := chi.URLParam(r, "key")
	fn(key)
	m, _ := h.breakers.Metrics(key)
	respondJSON(w, http.StatusOK, m)
}
