package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/domain"
	"github.com/TRASH-PROGRAMMER/practica3-mcp-ai-gateway-sub000/internal/engine"
)

const (
	DefaultUserAgent = "pharmacy-webhooks/1.0"

	// maxResponseBody caps how much of a subscriber's reply is kept.
	maxResponseBody = 1024
)

// DeliveryError classifies a failed HTTP call. It matches
// domain.ErrTransientDelivery or domain.ErrPermanentDelivery.
type DeliveryError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("endpoint responded %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	if e.Retryable {
		return target == domain.ErrTransientDelivery
	}
	return target == domain.ErrPermanentDelivery
}

// SendResult describes one HTTP call, successful or not.
type SendResult struct {
	StartedAt    time.Time
	StatusCode   *int
	Latency      time.Duration
	ResponseBody string
}

// Sender signs an envelope and POSTs it to a subscription endpoint.
type Sender struct {
	httpClient *http.Client
	signer     *engine.Signer
	userAgent  string
	logger     *slog.Logger
	now        func() time.Time
}

func NewSender(signer *engine.Signer, userAgent string, logger *slog.Logger) *Sender {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Sender{
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		signer:    signer,
		userAgent: userAgent,
		logger:    logger,
		now:       time.Now,
	}
}

// Send performs a single signed POST bounded by the subscription's timeout.
// Non-2xx responses and transport errors come back as *DeliveryError.
func (s *Sender) Send(ctx context.Context, sub domain.Subscription, env domain.Envelope, attempt int) (SendResult, error) {
	start := s.now()
	result := SendResult{StartedAt: start}

	body, err := engine.CanonicalJSON(env)
	if err != nil {
		return result, &DeliveryError{Err: fmt.Errorf("encoding envelope: %w", err)}
	}

	ts := start.UnixMilli()
	signature, err := s.signer.Sign(body, ts, sub.SharedSecret)
	if err != nil {
		return result, &DeliveryError{Err: fmt.Errorf("signing envelope: %w", err)}
	}

	timeout := sub.RetryPolicy.Timeout.Std()
	if timeout <= 0 {
		timeout = domain.DefaultRetryPolicy().Timeout.Std()
	}
	// An attempt already under way runs to completion or its own timeout
	// even when ctx is cancelled.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return result, &DeliveryError{Err: fmt.Errorf("building request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Event-ID", env.Metadata.EventID)
	req.Header.Set("X-Event-Type", env.Metadata.EventType)
	req.Header.Set("X-Correlation-ID", env.Metadata.CorrelationID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt))

	resp, err := s.httpClient.Do(req)
	result.Latency = s.now().Sub(start)
	if err != nil {
		return result, &DeliveryError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result.ResponseBody = string(respBody)
	code := resp.StatusCode
	result.StatusCode = &code

	if code >= 200 && code < 300 {
		return result, nil
	}
	return result, &DeliveryError{
		StatusCode: code,
		Retryable:  sub.RetryPolicy.IsRetryableStatus(code),
		Err:        errors.New(http.StatusText(code)),
	}
}
