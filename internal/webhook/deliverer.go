package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/pkg/retry"
	"carelink.io/carelink/internal/platform/circuit"
	"carelink.io/carelink/internal/platform/metrics"
	"carelink.io/carelink/internal/storage"
)

// successCodes are the only acceptable delivery responses.
var successCodes = map[int]struct{}{
	http.StatusOK:        {},
	http.StatusCreated:   {},
	http.StatusAccepted:  {},
	http.StatusNoContent: {},
}

// Event is the signed wire body nested under "webhook_event".
type Event struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Envelope is the outbound POST body.
type Envelope struct {
	WebhookEvent Event `json:"webhook_event"`
}

// Delivery identifies one delivery attempt of one event to one subscription.
type Delivery struct {
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
}

// Deliverer signs and posts events to subscriber endpoints, recording every
// attempt as a new immutable ledger row.
type Deliverer struct {
	cfg      config.WebhookConfig
	subs     storage.SubscriptionStore
	attempts storage.DeliveryAttemptStore
	breakers *circuit.Registry
	policy   retry.Policy
	metrics  *metrics.Metrics
	http     *http.Client
	now      func() time.Time
}

// NewDeliverer wires the delivery side of the subsystem.
func NewDeliverer(
	cfg config.WebhookConfig,
	subs storage.SubscriptionStore,
	attempts storage.DeliveryAttemptStore,
	breakers *circuit.Registry,
	m *metrics.Metrics,
) *Deliverer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Deliverer{
		cfg:      cfg,
		subs:     subs,
		attempts: attempts,
		breakers: breakers,
		policy:   retry.WebhookPolicy(),
		metrics:  m,
		http:     &http.Client{Timeout: cfg.DeliveryTimeout},
		now:      time.Now,
	}
}

// Policy exposes the delivery retry schedule to the queue worker.
func (d *Deliverer) Policy() retry.Policy { return d.policy }

// Deliver runs one delivery attempt. Duplicate queue delivery of an attempt
// number already recorded is a no-op; attempts are never rewritten.
func (d *Deliverer) Deliver(ctx context.Context, del Delivery) error {
	sub, err := d.subs.FindByID(ctx, del.SubscriptionID)
	if err != nil {
		return errors.NotFound(errors.CodeSubscriptionNotFound,
			fmt.Sprintf("subscription %s not found", del.SubscriptionID))
	}
	if !sub.Active || !sub.Subscribed(del.EventType) {
		return nil
	}

	if int64(len(del.Payload)) > d.cfg.MaxPayloadBytes {
		return errors.Validation(errors.CodePayloadTooLarge,
			fmt.Sprintf("payload exceeds %d bytes", d.cfg.MaxPayloadBytes))
	}

	// At-least-once redelivery guard: the ledger is the source of truth.
	existing, err := d.attempts.ListByEvent(ctx, del.SubscriptionID, del.EventID)
	if err != nil {
		return fmt.Errorf("list delivery attempts: %w", err)
	}
	for _, a := range existing {
		if a.Outcome == domain.AttemptSuccess {
			return nil
		}
		if a.Attempt >= del.Attempt {
			return nil
		}
	}

	target := "webhook:" + sub.ID
	breaker := d.breakers.For(target)
	if !breaker.Allow() {
		d.metrics.WebhookDeliveries.WithLabelValues("circuit_open").Inc()
		return errors.CircuitOpen(target)
	}

	ts := d.now().Unix()
	signature := Sign(sub.Secret, ts, del.Payload)
	header := SignatureHeader(ts, signature)

	body, err := json.Marshal(Envelope{WebhookEvent: Event{
		EventType: del.EventType,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Payload:   del.Payload,
		Signature: header,
	}})
	if err != nil {
		return fmt.Errorf("marshal webhook envelope: %w", err)
	}

	statusCode, postErr := d.post(ctx, sub.TargetURL, del, header, body)

	attempt := domain.WebhookDeliveryAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        del.EventID,
		EventType:      del.EventType,
		Payload:        del.Payload,
		Signature:      header,
		Attempt:        del.Attempt,
		StatusCode:     statusCode,
		CreatedAt:      d.now(),
	}

	switch {
	case postErr == nil:
		attempt.Outcome = domain.AttemptSuccess
		breaker.RecordSuccess()
		d.metrics.WebhookDeliveries.WithLabelValues("success").Inc()
	case errors.IsRetryable(postErr):
		attempt.Outcome = domain.AttemptFailedRetryable
		attempt.Error = postErr.Error()
		if action := d.policy.Next(del.Attempt, postErr); action.Retry {
			next := d.now().Add(action.Delay)
			attempt.NextRetryAt = &next
		}
		d.recordBreakerFailure(breaker, target)
		d.metrics.WebhookDeliveries.WithLabelValues("failed_retryable").Inc()
	default:
		attempt.Outcome = domain.AttemptFailedTerminal
		attempt.Error = postErr.Error()
		d.recordBreakerFailure(breaker, target)
		d.metrics.WebhookDeliveries.WithLabelValues("failed_terminal").Inc()
	}

	if err := d.attempts.Append(ctx, attempt); err != nil {
		return fmt.Errorf("append delivery attempt: %w", err)
	}
	return postErr
}

// post sends the envelope and classifies the response.
func (d *Deliverer) post(ctx context.Context, url string, del Delivery, header string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Terminal(err, errors.CodeDeliveryFailed, "build delivery request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", header)
	req.Header.Set("X-Webhook-Event", del.EventType)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, errors.Retryable(err, errors.CodeDeliveryFailed, "webhook endpoint unreachable")
	}
	defer resp.Body.Close()

	if _, ok := successCodes[resp.StatusCode]; ok {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, classifyDeliveryStatus(resp.StatusCode)
}

// classifyDeliveryStatus maps subscriber responses to the error taxonomy.
// Connection errors, 408, 429, and 5xx are retryable; other 4xx fail
// terminally after the first attempt.
func classifyDeliveryStatus(code int) error {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return errors.Retryable(nil, errors.CodeDeliveryFailed,
			fmt.Sprintf("webhook endpoint returned status %d", code))
	default:
		return errors.Terminal(nil, errors.CodeDeliveryRejected,
			fmt.Sprintf("webhook endpoint rejected delivery (status %d)", code))
	}
}

func (d *Deliverer) recordBreakerFailure(breaker *circuit.Breaker, target string) {
	if opened := breaker.RecordFailure(); opened {
		d.metrics.BreakerOpens.WithLabelValues(target).Inc()
		logger.Warn("Webhook circuit breaker opened",
			zap.String("target", target),
			zap.Int64("failures", breaker.Failures()),
		)
	}
}
