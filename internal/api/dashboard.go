package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/store"
	ws "github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/websocket"
)

type MetricsStore interface {
	GetDeliveryMetrics(ctx context.Context) (*store.DeliveryMetrics, error)
}

type QueueDepther interface {
	Depth(ctx context.Context) (int64, error)
}

type DashboardHandler struct {
	store    MetricsStore
	queue    QueueDepther
	breakers *engine.Registry
	hub      *ws.Hub
	logger   *slog.Logger
}

func NewDashboardHandler(s MetricsStore, q QueueDepther, breakers *engine.Registry, hub *ws.Hub, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{store: s, queue: q, breakers: breakers, hub: hub, logger: logger}
}

type metricsResponse struct {
	store.DeliveryMetrics
	QueueDepth       int64          `json:"queue_depth"`
	OpenCircuits     int            `json:"open_circuits"`
	WebSocketClients int            `json:"websocket_clients"`
	Circuits         map[string]int `json:"circuits"`
}

// Metrics returns aggregated system metrics for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetDeliveryMetrics(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	queueDepth, err := h.queue.Depth(r.Context())
	if err != nil {
		h.logger.Warn("failed to read queue depth", "error", err)
		queueDepth = 0
	}

	circuits := map[string]int{}
	for _, cb := range h.breakers.All() {
		circuits[string(cb.State)]++
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		DeliveryMetrics:  *m,
		QueueDepth:       queueDepth,
		OpenCircuits:     circuits[string(engine.StateOpen)],
		WebSocketClients: h.hub.ClientCount(),
		Circuits:         circuits,
	})
}
