package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
)

type EventStore interface {
	CreateEvent(ctx context.Context, event *domain.Event) (bool, error)
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	ListEvents(ctx context.Context, eventType string, limit int) ([]domain.Event, error)
	HasDeliveryAttempts(ctx context.Context, eventID string) (bool, error)
}

// EventQueue schedules envelopes for the dispatcher.
type EventQueue interface {
	Enqueue(ctx context.Context, env domain.Envelope, at time.Time) error
}

type EventHandler struct {
	store  EventStore
	queue  EventQueue
	logger *slog.Logger
	now    func() time.Time
}

func NewEventHandler(store EventStore, queue EventQueue, logger *slog.Logger) *EventHandler {
	return &EventHandler{store: store, queue: queue, logger: logger, now: time.Now}
}

type createEventResponse struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Queued    bool   `json:"queued"`
	Duplicate bool   `json:"duplicate"`
}

// Create accepts an event, stores it and queues it for delivery. Resubmitting
// an already stored event id is acknowledged; the stored envelope is queued
// again only while no delivery attempt has been recorded for it.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, ErrInvalidRequest)
		return
	}

	if req.EventType == "" {
		respondErrorDetails(w, ErrValidationFailed, "event_type is required")
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		respondErrorDetails(w, ErrValidationFailed, "payload must be valid JSON")
		return
	}

	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}

	now := h.now().UTC()
	env := domain.Envelope{
		Metadata: domain.EventMetadata{
			EventID:       req.EventID,
			EventType:     req.EventType,
			Timestamp:     now,
			CorrelationID: req.CorrelationID,
			Source:        req.Source,
			Version:       req.Version,
		},
		Payload: req.Payload,
		Headers: req.Headers,
		Links:   req.Links,
	}

	event := &domain.Event{
		ID:            env.Metadata.EventID,
		EventType:     env.Metadata.EventType,
		Source:        env.Metadata.Source,
		CorrelationID: env.Metadata.CorrelationID,
		Envelope:      env,
		CreatedAt:     now,
	}

	created, err := h.store.CreateEvent(r.Context(), event)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	if !created {
		h.resubmit(w, r, event.ID, now)
		return
	}

	// The event is stored either way; a queue failure is reported and the
	// producer can resubmit the same id to queue it.
	queued := h.enqueue(r.Context(), env, now)

	respondJSON(w, http.StatusAccepted, createEventResponse{
		EventID:   event.ID,
		EventType: event.EventType,
		Queued:    queued,
	})
}

// resubmit answers a repeated event id. Events that never reached a
// subscriber (queue failure, lost claim) are queued again from the store;
// the delivery idempotency guard absorbs a copy that is still in flight.
func (h *EventHandler) resubmit(w http.ResponseWriter, r *http.Request, id string, now time.Time) {
	stored, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	attempted, err := h.store.HasDeliveryAttempts(r.Context(), id)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	queued := false
	if !attempted {
		queued = h.enqueue(r.Context(), stored.Envelope, now)
		if queued {
			h.logger.Info("resubmitted event queued again", "event_id", id)
		}
	}

	respondJSON(w, http.StatusOK, createEventResponse{
		EventID:   stored.ID,
		EventType: stored.EventType,
		Queued:    queued,
		Duplicate: true,
	})
}

func (h *EventHandler) enqueue(ctx context.Context, env domain.Envelope, at time.Time) bool {
	if err := h.queue.Enqueue(ctx, env, at); err != nil {
		h.logger.Error("failed to enqueue event", "event_id", env.Metadata.EventID, "error", err)
		return false
	}
	return true
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListEvents(r.Context(), r.URL.Query().Get("event_type"), queryLimit(r, 50))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, event)
}
