// Package metrics exposes Prometheus collectors for delivery traffic.
//
// Label sets stay bounded: outcomes and states are small enums and no label
// carries an event or subscription id. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	attempts       *prometheus.CounterVec
	attemptLatency prometheus.Histogram
	sequences      *prometheus.CounterVec
	circuitChanges *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	inbound        *prometheus.CounterVec
	httpReqs       *prometheus.CounterVec
	httpLat        *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_delivery_attempts_total",
			Help: "HTTP delivery attempts by outcome.",
		}, []string{"outcome"}),
		attemptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_attempt_duration_seconds",
			Help:    "Latency of HTTP delivery attempts in seconds.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_delivery_sequences_total",
			Help: "Per-subscription delivery sequences by final status.",
		}, []string{"status"}),
		circuitChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_circuit_transitions_total",
			Help: "Circuit breaker state transitions by target state.",
		}, []string{"to"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_dead_letter_events_total",
			Help: "Dead letter queue events (scheduled, deferred, exhausted, recovered, discarded).",
		}, []string{"event"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_inbound_receipts_total",
			Help: "Inbound webhook receipts by result.",
		}, []string{"result"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_queue_depth",
			Help: "Envelopes waiting in the delivery queue.",
		}),
	}

	reg.MustRegister(
		m.attempts, m.attemptLatency, m.sequences, m.circuitChanges,
		m.deadLetters, m.inbound, m.httpReqs, m.httpLat, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveSequence(status string) {
	if m == nil {
		return
	}
	m.sequences.WithLabelValues(status).Inc()
}

func (m *Metrics) CircuitTransition(to string) {
	if m == nil {
		return
	}
	m.circuitChanges.WithLabelValues(to).Inc()
}

func (m *Metrics) DeadLetter(event string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(event).Inc()
}

func (m *Metrics) Inbound(result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Middleware instruments chi routes. The path label is the matched route
// pattern, falling back to the raw path when nothing matched.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpReqs.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpLat.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
