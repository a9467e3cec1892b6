package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
)

func testEnvelope(id string) domain.Envelope {
	return domain.Envelope{
		Metadata: domain.EventMetadata{
			EventID:       id,
			EventType:     "producto.creado",
			Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			CorrelationID: "corr-" + id,
			Source:        "catalogo",
			Version:       "1.0",
		},
		Payload: json.RawMessage(`{"nombre":"Ibuprofeno 400mg","precio":3.5}`),
	}
}

func testSubscription(url string) domain.Subscription {
	policy := domain.DefaultRetryPolicy()
	policy.Timeout = domain.Duration(2 * time.Second)
	return domain.Subscription{
		ID:            "sub-1",
		Name:          "inventario",
		EndpointURL:   url,
		SharedSecret:  "test-secret-value",
		EventPatterns: []string{"producto.*"},
		Active:        true,
		RetryPolicy:   policy,
	}
}

func TestSender_SetsHeadersAndValidSignature(t *testing.T) {
	var (
		headers http.Header
		body    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	sender := NewSender(engine.NewSigner(), "", testLogger())
	sub := testSubscription(server.URL)

	res, err := sender.Send(context.Background(), sub, testEnvelope("evt-1"), 2)
	require.NoError(t, err)
	require.NotNil(t, res.StatusCode)
	assert.Equal(t, http.StatusOK, *res.StatusCode)
	assert.Equal(t, `{"status":"ok"}`, res.ResponseBody)

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, DefaultUserAgent, headers.Get("User-Agent"))
	assert.Equal(t, "evt-1", headers.Get("X-Event-ID"))
	assert.Equal(t, "producto.creado", headers.Get("X-Event-Type"))
	assert.Equal(t, "corr-evt-1", headers.Get("X-Correlation-ID"))
	assert.Equal(t, "2", headers.Get("X-Webhook-Attempt"))

	ts, err := strconv.ParseInt(headers.Get("X-Webhook-Timestamp"), 10, 64)
	require.NoError(t, err)
	assert.True(t, engine.NewSigner().VerifyBody(body, headers.Get("X-Webhook-Signature"), ts, sub.SharedSecret, 0))
	assert.False(t, engine.NewSigner().VerifyBody(body, headers.Get("X-Webhook-Signature"), ts, "another-secret", 0))
}

func TestSender_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, domain.ErrTransientDelivery, true},
		{"bad gateway", http.StatusBadGateway, domain.ErrTransientDelivery, true},
		{"too many requests", http.StatusTooManyRequests, domain.ErrTransientDelivery, true},
		{"request timeout", http.StatusRequestTimeout, domain.ErrTransientDelivery, true},
		{"bad request", http.StatusBadRequest, domain.ErrPermanentDelivery, false},
		{"not found", http.StatusNotFound, domain.ErrPermanentDelivery, false},
		{"redirect", http.StatusFound, domain.ErrPermanentDelivery, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sender := NewSender(engine.NewSigner(), "", testLogger())
			res, err := sender.Send(context.Background(), testSubscription(server.URL), testEnvelope("evt-1"), 1)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var de *DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.status, de.StatusCode)
			assert.Equal(t, tt.retryable, de.Retryable)
			require.NotNil(t, res.StatusCode)
			assert.Equal(t, tt.status, *res.StatusCode)
		})
	}
}

func TestSender_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	sender := NewSender(engine.NewSigner(), "", testLogger())
	res, err := sender.Send(context.Background(), testSubscription(url), testEnvelope("evt-1"), 1)
	assert.ErrorIs(t, err, domain.ErrTransientDelivery)
	assert.Nil(t, res.StatusCode)
}

func TestSender_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	sub := testSubscription(server.URL)
	sub.RetryPolicy.Timeout = domain.Duration(50 * time.Millisecond)

	sender := NewSender(engine.NewSigner(), "", testLogger())
	_, err := sender.Send(context.Background(), sub, testEnvelope("evt-1"), 1)
	assert.ErrorIs(t, err, domain.ErrTransientDelivery)
}

func TestSender_RetryableStatusesFollowPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	sub := testSubscription(server.URL)
	sub.RetryPolicy.RetryableStatuses = []int{http.StatusConflict}

	sender := NewSender(engine.NewSigner(), "custom-agent/2", testLogger())
	_, err := sender.Send(context.Background(), sub, testEnvelope("evt-1"), 1)
	assert.ErrorIs(t, err, domain.ErrTransientDelivery)
}
