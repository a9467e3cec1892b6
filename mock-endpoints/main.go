// Command mock-endpoints simulates subscriber endpoints for local testing.
// Every handler checks the webhook signature when MOCK_SECRET is set.
package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/logging"
)

type config struct {
	Port       int           `env:"PORT" envDefault:"9090"`
	Secret     string        `env:"MOCK_SECRET"`
	SlowDelay  time.Duration `env:"MOCK_SLOW_DELAY" envDefault:"3s"`
	FlakyFails int           `env:"MOCK_FLAKY_FAILS" envDefault:"2"`
	LogLevel   string        `env:"LOG_LEVEL" envDefault:"info"`
}

type mockServer struct {
	cfg      config
	signer   *engine.Signer
	logger   *slog.Logger
	requests atomic.Int64
	rejected atomic.Int64

	mu    sync.Mutex
	flaky map[string]int
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init("mock-endpoints", cfg.LogLevel, "development")

	s := &mockServer{
		cfg:    cfg,
		signer: engine.NewSigner(),
		logger: logger,
		flaky:  map[string]int{},
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	logger.Info("mock endpoint server starting", "addr", addr, "verify_signatures", cfg.Secret != "")
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func (s *mockServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/webhook", func(r chi.Router) {
		r.Use(s.verify)
		r.Post("/success", s.respond(http.StatusOK))
		r.Post("/fail", s.respond(http.StatusServiceUnavailable))
		r.Post("/reject", s.respond(http.StatusBadRequest))
		r.Post("/rate-limited", s.respond(http.StatusTooManyRequests))
		r.Post("/slow", s.slow)
		r.Post("/flaky", s.flakyHandler)
	})
	r.Get("/stats", s.stats)
	return r
}

// verify rejects requests whose signature does not check out. With no
// secret configured everything passes.
func (s *mockServer) verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		if s.cfg.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		ts, _ := strconv.ParseInt(r.Header.Get("X-Webhook-Timestamp"), 10, 64)
		if err := s.signer.Check(json.RawMessage(body), r.Header.Get("X-Webhook-Signature"), ts, s.cfg.Secret, engine.DefaultMaxDrift); err != nil {
			s.rejected.Add(1)
			s.logger.Warn("signature rejected", "path", r.URL.Path, "event_id", r.Header.Get("X-Event-ID"), "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *mockServer) respond(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log(r, status)
		writeJSON(w, status, map[string]string{"status": http.StatusText(status)})
	}
}

func (s *mockServer) slow(w http.ResponseWriter, r *http.Request) {
	select {
	case <-time.After(s.cfg.SlowDelay):
	case <-r.Context().Done():
		return
	}
	s.respond(http.StatusOK)(w, r)
}

// flakyHandler fails the first FlakyFails deliveries of each event with a
// 503 and accepts the next one.
func (s *mockServer) flakyHandler(w http.ResponseWriter, r *http.Request) {
	eventID := r.Header.Get("X-Event-ID")

	s.mu.Lock()
	s.flaky[eventID]++
	seen := s.flaky[eventID]
	s.mu.Unlock()

	if seen <= s.cfg.FlakyFails {
		s.respond(http.StatusServiceUnavailable)(w, r)
		return
	}
	s.respond(http.StatusOK)(w, r)
}

func (s *mockServer) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"total_requests":    s.requests.Load(),
		"rejected_requests": s.rejected.Load(),
	})
}

func (s *mockServer) log(r *http.Request, status int) {
	s.logger.Info("webhook received",
		"path", r.URL.Path,
		"status", status,
		"event_id", r.Header.Get("X-Event-ID"),
		"event_type", r.Header.Get("X-Event-Type"),
		"attempt", r.Header.Get("X-Webhook-Attempt"),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
