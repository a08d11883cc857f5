package storage

import "time"

// AuditRecord is one append-only entry in the enrollment audit trail.
// Detail must already be redacted by the caller; stores persist it as-is.
type AuditRecord struct {
	ID           string            `json:"id"`
	EnrollmentID string            `json:"enrollment_id"`
	Action       string            `json:"action"`
	Actor        string            `json:"actor"`
	Detail       map[string]string `json:"detail,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
