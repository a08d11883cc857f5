package domain

import (
	"encoding/json"
	"time"
)

// Stage names the integration stages an enrollment passes through.
type Stage string

const (
	StageOCR          Stage = "ocr"
	StageConversion   Stage = "conversion"
	StageTransmission Stage = "emr_transmission"
	StageNotification Stage = "webhook_notification"
)

// EventType defines the type of domain event. The set is closed: stage
// outcomes and enrollment lifecycle changes, nothing else.
type EventType string

const (
	// Enrollment lifecycle
	EventEnrollmentCreated       EventType = "ENROLLMENT_CREATED"
	EventEnrollmentStatusChanged EventType = "ENROLLMENT_STATUS_CHANGED"
	EventEnrollmentCompleted     EventType = "ENROLLMENT_COMPLETED"
	EventEnrollmentWithdrawn     EventType = "ENROLLMENT_WITHDRAWN"

	// Document OCR stage
	EventDocumentUploaded  EventType = "DOCUMENT_UPLOADED"
	EventDocumentProcessed EventType = "DOCUMENT_PROCESSED"
	EventDocumentFailed    EventType = "DOCUMENT_FAILED"

	// EMR transmission stage
	EventEMRTransmitted        EventType = "EMR_TRANSMITTED"
	EventEMRTransmissionFailed EventType = "EMR_TRANSMISSION_FAILED"

	// Webhook delivery outcomes
	EventWebhookDeliveryExhausted EventType = "WEBHOOK_DELIVERY_EXHAUSTED"
)

// DomainEvent represents an immutable pipeline event.
type DomainEvent struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
}

// StatusChangedPayload accompanies ENROLLMENT_STATUS_CHANGED.
type StatusChangedPayload struct {
	EnrollmentID string           `json:"enrollment_id"`
	From         EnrollmentStatus `json:"from"`
	To           EnrollmentStatus `json:"to"`
	Reason       string           `json:"reason,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p StatusChangedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// DocumentOutcomePayload accompanies DOCUMENT_PROCESSED and DOCUMENT_FAILED.
type DocumentOutcomePayload struct {
	EnrollmentID string       `json:"enrollment_id"`
	DocumentID   string       `json:"document_id"`
	DocumentType DocumentType `json:"document_type"`
	Confidence   float64      `json:"confidence,omitempty"`
	FailReason   string       `json:"fail_reason,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p DocumentOutcomePayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// TransmissionPayload accompanies the EMR transmission events.
type TransmissionPayload struct {
	EnrollmentID   string `json:"enrollment_id"`
	HealthRecordID string `json:"health_record_id"`
	ResourceKind   string `json:"resource_kind"`
	EMRResourceID  string `json:"emr_resource_id,omitempty"`
	FailReason     string `json:"fail_reason,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p TransmissionPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// DeliveryExhaustedPayload accompanies WEBHOOK_DELIVERY_EXHAUSTED. It names
// the subscription whose endpoint kept failing so an operator can flag it.
type DeliveryExhaustedPayload struct {
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p DeliveryExhaustedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}
