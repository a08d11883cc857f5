// Package audit captures the append-only enrollment audit trail.
//
// Detail values are redacted before they reach a store: the trail records
// that something happened to a field, never the protected value itself.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"carelink.io/carelink/internal/storage"
)

// phiKeys are detail keys whose values never reach the audit trail.
var phiKeys = map[string]struct{}{
	"family_name":   {},
	"given_name":    {},
	"birth_date":    {},
	"national_id":   {},
	"phone":         {},
	"email":         {},
	"address":       {},
	"condition":     {},
	"medication":    {},
	"allergy":       {},
	"display":       {},
	"ocr_value":     {},
	"field_value":   {},
	"health_record": {},
}

const redacted = "[REDACTED]"

// Service writes redacted audit records. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Service struct {
	store storage.AuditStore
	now   func() time.Time
}

func NewService(store storage.AuditStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Record appends one audit entry. Detail is copied and redacted; the
// caller's map is never mutated.
func (s *Service) Record(ctx context.Context, enrollmentID, action, actor string, detail map[string]string) error {
	return s.store.Append(ctx, storage.AuditRecord{
		ID:           uuid.NewString(),
		EnrollmentID: enrollmentID,
		Action:       action,
		Actor:        actor,
		Detail:       Redact(detail),
		CreatedAt:    s.now(),
	})
}

// List returns the trail for one enrollment in insertion order.
func (s *Service) List(ctx context.Context, enrollmentID string) ([]storage.AuditRecord, error) {
	return s.store.ListByEnrollment(ctx, enrollmentID)
}

type actorKey struct{}

// WithActor stores the acting principal in the context so services deep in
// the pipeline can attribute their audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting principal, or fallback when none is set.
func ActorFrom(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return fallback
}

// Redact returns a copy of detail with protected values masked.
func Redact(detail map[string]string) map[string]string {
	if detail == nil {
		return nil
	}
	out := make(map[string]string, len(detail))
	for k, v := range detail {
		if _, ok := phiKeys[k]; ok {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}
