package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/storage"
)

type captureEnqueuer struct {
	deliveries []Delivery
}

func (c *captureEnqueuer) EnqueueDelivery(_ context.Context, del Delivery, _ time.Duration) error {
	c.deliveries = append(c.deliveries, del)
	return nil
}

func newDispatcherFixture(t *testing.T) (*Dispatcher, *storage.InMemorySubscriptionStore, *captureEnqueuer) {
	t.Helper()
	subs := storage.NewInMemorySubscriptionStore()
	enq := &captureEnqueuer{}
	d := NewDispatcher(config.WebhookConfig{MaxPayloadBytes: 5 * 1024 * 1024}, subs, enq)
	return d, subs, enq
}

func TestDispatchFiltersByEventSet(t *testing.T) {
	d, subs, enq := newDispatcherFixture(t)
	ctx := context.Background()
	require.NoError(t, subs.Save(ctx, domain.WebhookSubscription{
		ID: "sub-1", Active: true, EventTypes: []string{"ENROLLMENT_COMPLETED"},
	}))

	// Not subscribed: no-op, not an error.
	require.NoError(t, d.Dispatch(ctx, "sub-1", "DOCUMENT_PROCESSED", json.RawMessage(`{}`)))
	assert.Empty(t, enq.deliveries)

	require.NoError(t, d.Dispatch(ctx, "sub-1", "ENROLLMENT_COMPLETED", json.RawMessage(`{}`)))
	require.Len(t, enq.deliveries, 1)
	assert.Equal(t, 1, enq.deliveries[0].Attempt)
}

func TestDispatchUnknownSubscription(t *testing.T) {
	d, _, _ := newDispatcherFixture(t)
	err := d.Dispatch(context.Background(), "missing", "ENROLLMENT_COMPLETED", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDispatchEventFansOutToMatchingSubscriptions(t *testing.T) {
	d, subs, enq := newDispatcherFixture(t)
	ctx := context.Background()
	require.NoError(t, subs.Save(ctx, domain.WebhookSubscription{
		ID: "sub-1", Active: true, EventTypes: []string{"ENROLLMENT_COMPLETED"},
	}))
	require.NoError(t, subs.Save(ctx, domain.WebhookSubscription{
		ID: "sub-2", Active: true, EventTypes: []string{"DOCUMENT_PROCESSED"},
	}))
	require.NoError(t, subs.Save(ctx, domain.WebhookSubscription{
		ID: "sub-3", Active: false, EventTypes: []string{"ENROLLMENT_COMPLETED"},
	}))

	payload, err := domain.StatusChangedPayload{
		EnrollmentID: "enr-1",
		From:         domain.StatusInterviewCompleted,
		To:           domain.StatusCompleted,
	}.ToJSON()
	require.NoError(t, err)

	err = d.DispatchEvent(ctx, &domain.DomainEvent{
		EventID:       "evt-1",
		EventType:     domain.EventEnrollmentCompleted,
		AggregateType: "enrollment",
		AggregateID:   "enr-1",
		Payload:       payload,
	})
	require.NoError(t, err)

	// Only the active, subscribed endpoint gets a job; the event id is
	// reused so redelivery stays idempotent downstream.
	require.Len(t, enq.deliveries, 1)
	del := enq.deliveries[0]
	assert.Equal(t, "sub-1", del.SubscriptionID)
	assert.Equal(t, "evt-1", del.EventID)

	var body eventPayload
	require.NoError(t, json.Unmarshal(del.Payload, &body))
	assert.Equal(t, "enrollment", body.Metadata["aggregate_type"])
	assert.JSONEq(t, string(payload), string(body.Data))
}
