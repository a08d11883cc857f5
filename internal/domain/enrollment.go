// Package domain holds the enrollment pipeline's core types: the aggregate
// entities, the enrollment status graph, and the closed set of stage-outcome
// events.
package domain

import (
	"time"
)

// EnrollmentStatus is a node in the enrollment state graph.
type EnrollmentStatus string

const (
	StatusDraft                    EnrollmentStatus = "draft"
	StatusDocumentsPending         EnrollmentStatus = "documents_pending"
	StatusHealthDeclarationPending EnrollmentStatus = "health_declaration_pending"
	StatusInterviewScheduled       EnrollmentStatus = "interview_scheduled"
	StatusInterviewCompleted       EnrollmentStatus = "interview_completed"
	StatusCompleted                EnrollmentStatus = "completed"
	StatusWithdrawn                EnrollmentStatus = "withdrawn"
)

// statusEdges defines the legal transitions. A status may only move along
// one of these edges; everything else is rejected.
//
// The edges back to documents_pending are the recovery path taken when an
// in-flight integration stage exhausts its retry budget.
var statusEdges = map[EnrollmentStatus][]EnrollmentStatus{
	StatusDraft:                    {StatusDocumentsPending, StatusWithdrawn},
	StatusDocumentsPending:         {StatusHealthDeclarationPending, StatusWithdrawn},
	StatusHealthDeclarationPending: {StatusInterviewScheduled, StatusDocumentsPending, StatusWithdrawn},
	StatusInterviewScheduled:       {StatusInterviewCompleted, StatusDocumentsPending, StatusWithdrawn},
	StatusInterviewCompleted:       {StatusCompleted, StatusDocumentsPending, StatusWithdrawn},
	StatusCompleted:                nil,
	StatusWithdrawn:                nil,
}

// CanTransition reports whether from → to is a single legal edge.
func CanTransition(from, to EnrollmentStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing edges.
func IsTerminal(s EnrollmentStatus) bool {
	return len(statusEdges[s]) == 0
}

// RecoveryStatus returns the nearest stable status an enrollment falls back
// to after a stage exhausts its retries. Only statuses with an in-flight
// integration stage behind them fall back; draft and documents_pending have
// nothing to unwind and recovery must never advance an enrollment.
func RecoveryStatus(from EnrollmentStatus) EnrollmentStatus {
	switch from {
	case StatusHealthDeclarationPending, StatusInterviewScheduled, StatusInterviewCompleted:
		return StatusDocumentsPending
	}
	return from
}

// EnrollmentMetadata carries the applicant-supplied intake structure.
// Individual fields are opaque to the pipeline; only the health declaration
// and consent flags gate stage readiness.
type EnrollmentMetadata struct {
	Personal     map[string]string `json:"personal,omitempty"`
	Contact      map[string]string `json:"contact,omitempty"`
	Address      map[string]string `json:"address,omitempty"`
	ConsentGiven bool              `json:"consent_given"`
}

// Enrollment is the aggregate root. Pipeline-relevant fields are mutated
// only through the orchestrator's status transitions.
type Enrollment struct {
	ID                string             `json:"id"`
	Status            EnrollmentStatus   `json:"status"`
	Metadata          EnrollmentMetadata `json:"metadata"`
	RequiredDocuments int                `json:"required_documents"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
