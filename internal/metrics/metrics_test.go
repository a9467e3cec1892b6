package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAttempt("success", time.Second)
		m.ObserveSequence("delivered")
		m.CircuitTransition("open")
		m.DeadLetter("scheduled")
		m.Inbound("accepted")
		m.SetQueueDepth(3)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveAttempt("success", 20*time.Millisecond)
	m.ObserveAttempt("failure", 40*time.Millisecond)
	m.ObserveAttempt("failure", 40*time.Millisecond)
	m.DeadLetter("exhausted")
	m.SetQueueDepth(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters.WithLabelValues("exhausted")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/subscriptions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/"+id, nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	got := testutil.ToFloat64(m.httpReqs.WithLabelValues("GET", "/subscriptions/{id}", "204"))
	assert.Equal(t, 2.0, got)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Inbound("duplicate")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `webhook_inbound_receipts_total{result="duplicate"} 1`))
}
