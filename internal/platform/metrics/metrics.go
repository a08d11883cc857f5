// Package metrics holds the Prometheus instruments for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all pipeline counters.
type Metrics struct {
	StatusTransitions *prometheus.CounterVec
	StageFailures     *prometheus.CounterVec
	OCRDocuments      *prometheus.CounterVec
	EMRRequests       *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	BreakerOpens      *prometheus.CounterVec
}

// New creates and registers all counters on the given registerer.
// Tests pass a private registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_enrollment_transitions_total",
			Help: "Enrollment status transitions by edge",
		}, []string{"from", "to"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_stage_failures_total",
			Help: "Pipeline stage failures by stage and error kind",
		}, []string{"stage", "kind"}),
		OCRDocuments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_ocr_documents_total",
			Help: "OCR document outcomes",
		}, []string{"outcome"}),
		EMRRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_emr_requests_total",
			Help: "EMR requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),
		BreakerOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_circuit_breaker_opens_total",
			Help: "Circuit breaker open transitions by target",
		}, []string{"target"}),
	}
}

// NewNop returns metrics backed by a throwaway registry, for tests and
// optional wiring.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
