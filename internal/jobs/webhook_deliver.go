package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"carelink.io/carelink/internal/domain"
	apperrors "carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/pkg/retry"
	"carelink.io/carelink/internal/storage"
	"carelink.io/carelink/internal/webhook"
)

// WebhookDeliverArgs schedules one delivery attempt. The attempt number is
// part of the args so every attempt is its own unique job; the chain of
// attempts lives in the attempt ledger, not in queue retries.
type WebhookDeliverArgs struct {
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
}

// Kind returns the job kind identifier for webhook delivery.
func (WebhookDeliverArgs) Kind() string { return "webhook_deliver" }

// InsertOpts returns default insert options for delivery jobs. Queue-level
// retries cover infrastructure failures only; endpoint failures are
// rescheduled explicitly as the next attempt.
func (WebhookDeliverArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueWebhooks,
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// DeliveryRunner posts one signed delivery attempt and records it.
type DeliveryRunner interface {
	Deliver(ctx context.Context, del webhook.Delivery) error
	Policy() retry.Policy
}

// WebhookDeliverWorker runs one delivery attempt and schedules the follow-up
// when the endpoint failed transiently.
//
// Execution flow:
//  1. Run the delivery (ledger guard, breaker, sign, post, record)
//  2. Success or no-op: done
//  3. Open breaker: snooze this attempt, no ledger row was written
//  4. Retryable with budget left: enqueue the next attempt after the backoff
//  5. Terminal or exhausted: flag the subscription and emit
//     WEBHOOK_DELIVERY_EXHAUSTED; the enrollment pipeline is unaffected
type WebhookDeliverWorker struct {
	river.WorkerDefaults[WebhookDeliverArgs]
	deliverer DeliveryRunner
	subs      storage.SubscriptionStore
	enqueuer  webhook.Enqueuer
	events    *domain.EventDispatcher
	snooze    time.Duration
}

// NewWebhookDeliverWorker creates the worker with all dependencies.
func NewWebhookDeliverWorker(
	deliverer DeliveryRunner,
	subs storage.SubscriptionStore,
	enqueuer webhook.Enqueuer,
	events *domain.EventDispatcher,
	snooze time.Duration,
) *WebhookDeliverWorker {
	return &WebhookDeliverWorker{
		deliverer: deliverer,
		subs:      subs,
		enqueuer:  enqueuer,
		events:    events,
		snooze:    snooze,
	}
}

// Work executes one delivery attempt.
func (w *WebhookDeliverWorker) Work(ctx context.Context, job *river.Job[WebhookDeliverArgs]) error {
	del := webhook.Delivery{
		SubscriptionID: job.Args.SubscriptionID,
		EventID:        job.Args.EventID,
		EventType:      job.Args.EventType,
		Payload:        job.Args.Payload,
		Attempt:        job.Args.Attempt,
	}

	logger.Info("Processing webhook delivery job",
		zap.String("subscription_id", del.SubscriptionID),
		zap.String("event_id", del.EventID),
		zap.Int("delivery_attempt", del.Attempt),
	)

	err := w.deliverer.Deliver(ctx, del)
	if err == nil {
		return nil
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindCircuitOpen:
		// No ledger row was written; retrying later repeats this attempt.
		return river.JobSnooze(w.snooze)
	case apperrors.KindValidation, apperrors.KindPrecondition:
		return river.JobCancel(fmt.Errorf("webhook delivery for event %s: %w", del.EventID, err))
	}

	if action := w.deliverer.Policy().Next(del.Attempt, err); action.Retry {
		next := del
		next.Attempt++
		if qerr := w.enqueuer.EnqueueDelivery(ctx, next, action.Delay); qerr != nil {
			return fmt.Errorf("schedule delivery attempt %d for event %s: %w", next.Attempt, del.EventID, qerr)
		}
		return nil
	}

	w.exhausted(ctx, del, err)
	return river.JobCancel(fmt.Errorf("webhook delivery exhausted for event %s: %w", del.EventID, err))
}

// exhausted flags the subscription for operator review and emits the
// delivery-exhausted event. Best-effort: the job outcome is already decided.
func (w *WebhookDeliverWorker) exhausted(ctx context.Context, del webhook.Delivery, cause error) {
	if err := w.subs.SetFlagged(ctx, del.SubscriptionID, true); err != nil {
		logger.Error("Failed to flag subscription",
			zap.String("subscription_id", del.SubscriptionID),
			zap.Error(err),
		)
	}
	logger.Warn("Webhook delivery exhausted",
		zap.String("subscription_id", del.SubscriptionID),
		zap.String("event_id", del.EventID),
		zap.Int("attempts", del.Attempt),
		zap.Error(cause),
	)

	if w.events == nil {
		return
	}
	payload, err := domain.DeliveryExhaustedPayload{
		SubscriptionID: del.SubscriptionID,
		EventID:        del.EventID,
		EventType:      del.EventType,
		Attempts:       del.Attempt,
		LastError:      cause.Error(),
	}.ToJSON()
	if err != nil {
		return
	}
	dispatchEvent(ctx, w.events, domain.EventWebhookDeliveryExhausted, "webhook_subscription", del.SubscriptionID, payload)
}
