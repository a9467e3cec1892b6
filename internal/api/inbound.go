package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/idempotency"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/logging"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/metrics"
)

const (
	receiveAction   = "receive"
	maxInboundBytes = 1 << 20
)

// InboundProcessor handles a verified, first-seen inbound event. The result
// is cached and replayed to duplicate deliveries.
type InboundProcessor interface {
	Process(ctx context.Context, env domain.Envelope) (any, error)
}

// LoggingProcessor acknowledges every event after logging it.
type LoggingProcessor struct{}

func (LoggingProcessor) Process(ctx context.Context, env domain.Envelope) (any, error) {
	logging.FromContext(ctx).Info("inbound event received",
		"event_id", env.Metadata.EventID,
		"event_type", env.Metadata.EventType,
		"source", env.Metadata.Source,
	)
	return map[string]bool{"acknowledged": true}, nil
}

type InboundConfig struct {
	Secret   string
	MaxDrift time.Duration
	TTL      time.Duration
}

type InboundHandler struct {
	signer    *engine.Signer
	idem      *idempotency.Service
	processor InboundProcessor
	cfg       InboundConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewInboundHandler(signer *engine.Signer, idem *idempotency.Service, processor InboundProcessor, cfg InboundConfig, m *metrics.Metrics, logger *slog.Logger) *InboundHandler {
	if cfg.MaxDrift <= 0 {
		cfg.MaxDrift = engine.DefaultMaxDrift
	}
	if cfg.TTL <= 0 {
		cfg.TTL = idempotency.DefaultInboundTTL
	}
	if processor == nil {
		processor = LoggingProcessor{}
	}
	return &InboundHandler{
		signer:    signer,
		idem:      idem,
		processor: processor,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
	}
}

type inboundResponse struct {
	EventID string          `json:"event_id"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Receive verifies and processes a signed webhook from a peer. Replays of an
// already processed event id get the cached result back with status
// "duplicate"; a replay racing the first delivery gets 202 "processing".
func (h *InboundHandler) Receive(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		h.metrics.Inbound("unauthorized")
		respondError(w, ErrMissingSignature)
		return
	}

	eventID := r.Header.Get("X-Event-ID")
	timestamp, err := strconv.ParseInt(r.Header.Get("X-Webhook-Timestamp"), 10, 64)
	if eventID == "" || err != nil {
		h.metrics.Inbound("rejected")
		respondError(w, ErrMissingWebhookMeta)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBytes))
	if err != nil {
		h.metrics.Inbound("rejected")
		respondError(w, ErrInvalidRequest)
		return
	}

	if !h.signer.VerifyBody(body, signature, timestamp, h.cfg.Secret, h.cfg.MaxDrift) {
		h.metrics.Inbound("unauthorized")
		h.logger.Warn("inbound webhook rejected", "event_id", eventID, "remote", r.RemoteAddr)
		respondError(w, ErrInvalidSignature)
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.metrics.Inbound("rejected")
		respondError(w, ErrInvalidRequest)
		return
	}
	if env.Metadata.EventID == "" {
		env.Metadata.EventID = eventID
	}
	if env.Metadata.EventType == "" {
		env.Metadata.EventType = r.Header.Get("X-Event-Type")
	}

	ctx := r.Context()
	logger := h.logger.With("event_id", eventID, "event_type", env.Metadata.EventType)
	key := idempotency.GenerateKey(env.Metadata.EventType, eventID, receiveAction, "")

	dup, rec, err := h.idem.IsDuplicate(ctx, key.Hash)
	if err != nil {
		respondDomainError(w, logger, err)
		return
	}
	if dup {
		h.metrics.Inbound("duplicate")
		respondJSON(w, http.StatusOK, inboundResponse{EventID: eventID, Status: "duplicate", Result: rec.Result})
		return
	}

	won, err := h.idem.MarkProcessing(ctx, key)
	if err != nil {
		respondDomainError(w, logger, err)
		return
	}
	if !won {
		h.metrics.Inbound("processing")
		respondJSON(w, http.StatusAccepted, inboundResponse{EventID: eventID, Status: "processing"})
		return
	}

	result, err := h.processor.Process(logging.WithLogger(ctx, logger), env)
	if err != nil {
		if markErr := h.idem.MarkFailed(ctx, key.Hash, err, h.cfg.TTL); markErr != nil {
			logger.Error("failed to record inbound failure", "error", markErr)
		}
		h.metrics.Inbound("failed")
		respondDomainError(w, logger, err)
		return
	}

	if err := h.idem.MarkCompleted(ctx, key.Hash, result, h.cfg.TTL); err != nil {
		logger.Error("failed to record inbound completion", "error", err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		raw = nil
	}

	h.metrics.Inbound("processed")
	respondJSON(w, http.StatusOK, inboundResponse{EventID: eventID, Status: "processed", Result: raw})
}
