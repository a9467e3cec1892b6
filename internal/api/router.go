package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/dlq"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/idempotency"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/metrics"
	ws "github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/websocket"
)

const Version = "1.0.0"

// Store is everything the admin surface reads from persistence.
type Store interface {
	EventStore
	AttemptStore
	MetricsStore
}

type Queue interface {
	EventQueue
	QueueDepther
}

type Deps struct {
	Store         Store
	Queue         Queue
	Subscriptions SubscriptionService
	Breakers      *engine.Registry
	DeadLetters   *dlq.Queue
	Idempotency   *idempotency.Service
	Signer        *engine.Signer
	Inbound       InboundConfig
	Processor     InboundProcessor
	Hub           *ws.Hub
	Metrics       *metrics.Metrics
	Health        map[string]Pinger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(deps.Metrics.Middleware)
	r.Use(corsMiddleware)

	subHandler := NewSubscriptionHandler(deps.Subscriptions, deps.Breakers, logger)
	eventHandler := NewEventHandler(deps.Store, deps.Queue, logger)
	deliveryHandler := NewDeliveryHandler(deps.Store, logger)
	dlqHandler := NewDeadLetterHandler(deps.DeadLetters, logger)
	circuitHandler := NewCircuitHandler(deps.Breakers)
	idemHandler := NewIdempotencyHandler(deps.Idempotency, logger)
	inboundHandler := NewInboundHandler(deps.Signer, deps.Idempotency, deps.Processor, deps.Inbound, deps.Metrics, logger)
	dashHandler := NewDashboardHandler(deps.Store, deps.Queue, deps.Breakers, deps.Hub, logger)

	r.Get("/ws", deps.Hub.HandleWebSocket)
	r.Handle("/metrics/prometheus", deps.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(Version, deps.Health))

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Patch("/{id}", subHandler.Update)
			r.Delete("/{id}", subHandler.Delete)
			r.Post("/{id}/activate", subHandler.Activate)
			r.Post("/{id}/deactivate", subHandler.Deactivate)
			r.Get("/{id}/health", subHandler.Health)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Create)
			r.Get("/", eventHandler.List)
			r.Get("/{id}", eventHandler.Get)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/stats", dlqHandler.Stats)
			r.Get("/{id}", dlqHandler.Get)
			r.Post("/{id}/retry", dlqHandler.Retry)
			r.Post("/{id}/discard", dlqHandler.Discard)
		})

		r.Route("/circuits", func(r chi.Router) {
			r.Get("/", circuitHandler.List)
			r.Get("/{key}", circuitHandler.Get)
			r.Post("/{key}/reset", circuitHandler.Reset)
			r.Post("/{key}/open", circuitHandler.Open)
			r.Post("/{key}/close", circuitHandler.Close)
		})

		r.Route("/idempotency", func(r chi.Router) {
			r.Get("/stats", idemHandler.Stats)
			r.Post("/cleanup", idemHandler.Cleanup)
			r.Get("/{hash}", idemHandler.Check)
			r.Delete("/", idemHandler.Reset)
		})

		r.Post("/webhooks/inbound", inboundHandler.Receive)
		r.Get("/metrics", dashHandler.Metrics)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
