// Package storage defines the persistence interfaces for the enrollment
// pipeline and provides in-memory and Postgres implementations.
//
// Stores are interface-driven to keep the domain logic testable and to allow
// swapping in-memory or external persistence without rewiring business code.
package storage

import (
	"context"

	"carelink.io/carelink/internal/domain"
)

type EnrollmentStore interface {
	Save(ctx context.Context, enrollment domain.Enrollment) error
	FindByID(ctx context.Context, id string) (domain.Enrollment, error)
	// UpdateStatus moves an enrollment along one edge. It must be a
	// compare-and-set on the expected current status so concurrent
	// transitions cannot race past the graph.
	UpdateStatus(ctx context.Context, id string, from, to domain.EnrollmentStatus) error
}

type DocumentStore interface {
	Save(ctx context.Context, doc domain.Document) error
	FindByID(ctx context.Context, id string) (domain.Document, error)
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.Document, error)
	// UpdateStatus is a compare-and-set on the document's processing state.
	UpdateStatus(ctx context.Context, id string, from, to domain.DocumentStatus) error
	// SaveResult records the OCR outcome alongside the final status.
	SaveResult(ctx context.Context, id string, status domain.DocumentStatus, result *domain.OCRResult, failReason string) error
}

type HealthRecordStore interface {
	Save(ctx context.Context, record domain.HealthRecord) error
	FindByEnrollment(ctx context.Context, enrollmentID string) (domain.HealthRecord, error)
	SaveConversion(ctx context.Context, recordID string, conversion domain.ConversionCache) error
}

type SubscriptionStore interface {
	Save(ctx context.Context, sub domain.WebhookSubscription) error
	FindByID(ctx context.Context, id string) (domain.WebhookSubscription, error)
	// ListActive returns active subscriptions regardless of event filter;
	// the dispatcher applies per-subscription event matching.
	ListActive(ctx context.Context) ([]domain.WebhookSubscription, error)
	SetFlagged(ctx context.Context, id string, flagged bool) error
}

// DeliveryAttemptStore is append-only. Attempts are never updated; each
// retry writes a new row.
type DeliveryAttemptStore interface {
	Append(ctx context.Context, attempt domain.WebhookDeliveryAttempt) error
	ListByEvent(ctx context.Context, subscriptionID, eventID string) ([]domain.WebhookDeliveryAttempt, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.WebhookDeliveryAttempt, error)
}

type AuditStore interface {
	Append(ctx context.Context, record AuditRecord) error
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]AuditRecord, error)
}
