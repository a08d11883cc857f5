package modules

import (
	"context"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"carelink.io/carelink/internal/api/handlers"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/jobs"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/webhook"
)

// subscriberEvents are the event types fanned out to webhook subscribers.
var subscriberEvents = []domain.EventType{
	domain.EventEnrollmentCreated,
	domain.EventEnrollmentStatusChanged,
	domain.EventEnrollmentCompleted,
	domain.EventEnrollmentWithdrawn,
	domain.EventDocumentUploaded,
	domain.EventDocumentProcessed,
	domain.EventDocumentFailed,
	domain.EventEMRTransmitted,
	domain.EventEMRTransmissionFailed,
	domain.EventWebhookDeliveryExhausted,
}

// DeliveryModule wires the webhook subsystem: event fan-out, signing
// deliverer, and the delivery worker.
type DeliveryModule struct {
	infra      *Infrastructure
	dispatcher *webhook.Dispatcher
	deliverer  *webhook.Deliverer
}

// NewDeliveryModule creates the delivery module and subscribes the
// dispatcher to every subscriber-visible event type. Fan-out runs on the
// delivery pool so enqueueing webhook jobs never blocks a status transition.
func NewDeliveryModule(infra *Infrastructure) *DeliveryModule {
	cfg := infra.Config.Webhook
	dispatcher := webhook.NewDispatcher(cfg, infra.Subs, infra.Enqueuer)
	deliverer := webhook.NewDeliverer(cfg, infra.Subs, infra.Attempts, infra.Breakers, infra.Metrics)

	fanOut := func(ctx context.Context, event *domain.DomainEvent) error {
		if infra.Pools == nil {
			return dispatcher.DispatchEvent(ctx, event)
		}
		ev := *event
		return infra.Pools.SubmitDetached("delivery", func(taskCtx context.Context) {
			if err := dispatcher.DispatchEvent(taskCtx, &ev); err != nil {
				logger.Warn("Webhook fan-out failed",
					zap.String("event_id", ev.EventID),
					zap.String("event_type", string(ev.EventType)),
					zap.Error(err),
				)
			}
		})
	}
	for _, eventType := range subscriberEvents {
		infra.Events.Register(eventType, fanOut)
	}

	return &DeliveryModule{
		infra:      infra,
		dispatcher: dispatcher,
		deliverer:  deliverer,
	}
}

func (m *DeliveryModule) Name() string { return "delivery" }

func (m *DeliveryModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Dispatcher = m.dispatcher
	deps.Subs = m.infra.Subs
	deps.Attempts = m.infra.Attempts
}

func (m *DeliveryModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil || m.infra == nil {
		return
	}
	river.AddWorker(workers, jobs.NewWebhookDeliverWorker(
		m.deliverer, m.infra.Subs, m.infra.Enqueuer, m.infra.Events, m.infra.Config.Breaker.Cooldown,
	))
}

func (m *DeliveryModule) Shutdown(context.Context) error { return nil }
