package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/logger"
)

// Queue names. Stage jobs and webhook fan-out run on separate queues so a
// slow subscriber cannot starve the pipeline.
const (
	QueuePipeline = "pipeline"
	QueueWebhooks = "webhooks"
)

// RegisterWorkers adds all pipeline workers to the given registry.
func RegisterWorkers(
	workers *river.Workers,
	ocr *DocumentOCRWorker,
	emr *EMRTransmitWorker,
	deliver *WebhookDeliverWorker,
) {
	river.AddWorker(workers, ocr)
	river.AddWorker(workers, emr)
	river.AddWorker(workers, deliver)
}

// dispatchEvent emits one domain event from a worker. Dispatch failures are
// logged, never propagated: the stage outcome is already decided.
func dispatchEvent(ctx context.Context, events *domain.EventDispatcher, eventType domain.EventType, aggregateType, aggregateID string, payload []byte) {
	err := events.Dispatch(ctx, &domain.DomainEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
	})
	if err != nil {
		logger.Error("Domain event dispatch failed",
			zap.String("event_type", string(eventType)),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err),
		)
	}
}
