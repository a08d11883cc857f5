// Package jobs holds the River queue workers that run the asynchronous
// pipeline stages, plus the enqueuer the synchronous side uses to schedule
// them.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"carelink.io/carelink/internal/webhook"
)

// Enqueuer schedules stage jobs on the River queue. It satisfies both the
// orchestrator's and the webhook dispatcher's enqueuer contracts.
type Enqueuer struct {
	client *river.Client[pgx.Tx]
}

// NewEnqueuer wraps a River client. The client may be bound later: workers
// need the enqueuer before the River client exists, since the client is
// built from the registered workers.
func NewEnqueuer(client *river.Client[pgx.Tx]) *Enqueuer {
	return &Enqueuer{client: client}
}

// Bind attaches the River client once it has been created.
func (e *Enqueuer) Bind(client *river.Client[pgx.Tx]) {
	e.client = client
}

// EnqueueOCR schedules OCR processing for one uploaded document.
func (e *Enqueuer) EnqueueOCR(ctx context.Context, documentID string) error {
	if _, err := e.client.Insert(ctx, DocumentOCRArgs{DocumentID: documentID}, nil); err != nil {
		return fmt.Errorf("insert document ocr job: %w", err)
	}
	return nil
}

// EnqueueTransmission schedules the EMR transmission stage for an enrollment.
func (e *Enqueuer) EnqueueTransmission(ctx context.Context, enrollmentID string) error {
	if _, err := e.client.Insert(ctx, EMRTransmitArgs{EnrollmentID: enrollmentID}, nil); err != nil {
		return fmt.Errorf("insert emr transmit job: %w", err)
	}
	return nil
}

// EnqueueDelivery schedules one webhook delivery attempt, optionally delayed
// for the retry backoff.
func (e *Enqueuer) EnqueueDelivery(ctx context.Context, del webhook.Delivery, delay time.Duration) error {
	var opts *river.InsertOpts
	if delay > 0 {
		opts = &river.InsertOpts{ScheduledAt: time.Now().Add(delay)}
	}
	args := WebhookDeliverArgs{
		SubscriptionID: del.SubscriptionID,
		EventID:        del.EventID,
		EventType:      del.EventType,
		Payload:        del.Payload,
		Attempt:        del.Attempt,
	}
	if _, err := e.client.Insert(ctx, args, opts); err != nil {
		return fmt.Errorf("insert webhook delivery job: %w", err)
	}
	return nil
}
