package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/storage"
)

// Enqueuer schedules a delivery attempt on the durable queue.
type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, del Delivery, delay time.Duration) error
}

// Dispatcher fans domain events out to subscriber endpoints by enqueueing
// one delivery job per subscribed, active subscription.
type Dispatcher struct {
	cfg      config.WebhookConfig
	subs     storage.SubscriptionStore
	enqueuer Enqueuer
}

// NewDispatcher wires the dispatch side of the subsystem.
func NewDispatcher(cfg config.WebhookConfig, subs storage.SubscriptionStore, enqueuer Enqueuer) *Dispatcher {
	return &Dispatcher{cfg: cfg, subs: subs, enqueuer: enqueuer}
}

// eventPayload is the "payload" object inside the wire envelope.
type eventPayload struct {
	Data     json.RawMessage   `json:"data"`
	Metadata map[string]string `json:"metadata"`
}

// Dispatch schedules delivery of one event to one subscription. A
// subscription that is inactive or not subscribed to the event type is a
// no-op, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, subscriptionID, eventType string, payload json.RawMessage) error {
	sub, err := d.subs.FindByID(ctx, subscriptionID)
	if err != nil {
		return errors.NotFound(errors.CodeSubscriptionNotFound,
			fmt.Sprintf("subscription %s not found", subscriptionID))
	}
	if !sub.Active || !sub.Subscribed(eventType) {
		return nil
	}
	if int64(len(payload)) > d.cfg.MaxPayloadBytes {
		return errors.Validation(errors.CodePayloadTooLarge,
			fmt.Sprintf("payload exceeds %d bytes", d.cfg.MaxPayloadBytes))
	}

	return d.enqueuer.EnqueueDelivery(ctx, Delivery{
		SubscriptionID: sub.ID,
		EventID:        uuid.NewString(),
		EventType:      eventType,
		Payload:        payload,
		Attempt:        1,
	}, 0)
}

// DispatchEvent fans one domain event out to every matching subscription.
// Event IDs are stable per (event, subscription) so queue redelivery stays
// idempotent at the attempt ledger.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event *domain.DomainEvent) error {
	payload, err := json.Marshal(eventPayload{
		Data: event.Payload,
		Metadata: map[string]string{
			"event_id":       event.EventID,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if int64(len(payload)) > d.cfg.MaxPayloadBytes {
		return errors.Validation(errors.CodePayloadTooLarge,
			fmt.Sprintf("payload exceeds %d bytes", d.cfg.MaxPayloadBytes))
	}

	subs, err := d.subs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	var firstErr error
	for _, sub := range subs {
		if !sub.Subscribed(string(event.EventType)) {
			continue
		}
		err := d.enqueuer.EnqueueDelivery(ctx, Delivery{
			SubscriptionID: sub.ID,
			EventID:        event.EventID,
			EventType:      string(event.EventType),
			Payload:        payload,
			Attempt:        1,
		}, 0)
		if err != nil {
			logger.Error("Failed to enqueue webhook delivery",
				zap.String("subscription_id", sub.ID),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
