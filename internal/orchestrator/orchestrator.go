// Package orchestrator is the state machine that sequences the integration
// pipeline per enrollment. It owns every status transition: no other
// component writes enrollment status.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink.io/carelink/internal/audit"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/platform/metrics"
	"carelink.io/carelink/internal/storage"
)

// JobEnqueuer schedules pipeline stage jobs on the durable queue.
type JobEnqueuer interface {
	EnqueueOCR(ctx context.Context, documentID string) error
	EnqueueTransmission(ctx context.Context, enrollmentID string) error
}

// Orchestrator advances enrollments through the status graph and reacts to
// stage outcomes delivered by the queue workers.
type Orchestrator struct {
	enrollments storage.EnrollmentStore
	documents   storage.DocumentStore
	records     storage.HealthRecordStore
	audit       *audit.Service
	metrics     *metrics.Metrics
	events      *domain.EventDispatcher
	enqueuer    JobEnqueuer
	now         func() time.Time
}

// New wires the orchestrator.
func New(
	enrollments storage.EnrollmentStore,
	documents storage.DocumentStore,
	records storage.HealthRecordStore,
	auditSvc *audit.Service,
	m *metrics.Metrics,
	events *domain.EventDispatcher,
	enqueuer JobEnqueuer,
) *Orchestrator {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Orchestrator{
		enrollments: enrollments,
		documents:   documents,
		records:     records,
		audit:       auditSvc,
		metrics:     m,
		events:      events,
		enqueuer:    enqueuer,
		now:         time.Now,
	}
}

// CreateEnrollment opens a new draft enrollment.
func (o *Orchestrator) CreateEnrollment(ctx context.Context, metadata domain.EnrollmentMetadata, requiredDocuments int) (domain.Enrollment, error) {
	now := o.now()
	e := domain.Enrollment{
		ID:                uuid.NewString(),
		Status:            domain.StatusDraft,
		Metadata:          metadata,
		RequiredDocuments: requiredDocuments,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.enrollments.Save(ctx, e); err != nil {
		return domain.Enrollment{}, fmt.Errorf("save enrollment: %w", err)
	}
	o.auditEntry(ctx, e.ID, "enrollment_created", nil)
	o.emit(ctx, domain.EventEnrollmentCreated, e.ID, nil)
	return e, nil
}

// Get returns one enrollment.
func (o *Orchestrator) Get(ctx context.Context, enrollmentID string) (domain.Enrollment, error) {
	e, err := o.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		return domain.Enrollment{}, errors.NotFound(errors.CodeEnrollmentNotFound,
			fmt.Sprintf("enrollment %s not found", enrollmentID))
	}
	return e, nil
}

// AddDocument registers an uploaded document and schedules its OCR job.
func (o *Orchestrator) AddDocument(ctx context.Context, enrollmentID string, docType domain.DocumentType, storageRef, contentType string, sizeBytes int64) (domain.Document, error) {
	e, err := o.Get(ctx, enrollmentID)
	if err != nil {
		return domain.Document{}, err
	}
	if e.Status != domain.StatusDocumentsPending {
		return domain.Document{}, errors.PreconditionNotMet(errors.CodeStageNotReady,
			fmt.Sprintf("enrollment %s is not accepting documents in status %s", e.ID, e.Status))
	}

	now := o.now()
	doc := domain.Document{
		ID:           uuid.NewString(),
		EnrollmentID: e.ID,
		Type:         docType,
		StorageRef:   storageRef,
		ContentType:  contentType,
		SizeBytes:    sizeBytes,
		Status:       domain.DocStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.documents.Save(ctx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	o.auditEntry(ctx, e.ID, "document_uploaded", map[string]string{
		"document_id":   doc.ID,
		"document_type": string(docType),
	})
	o.emit(ctx, domain.EventDocumentUploaded, e.ID, nil)

	if err := o.enqueuer.EnqueueOCR(ctx, doc.ID); err != nil {
		return domain.Document{}, fmt.Errorf("enqueue ocr job: %w", err)
	}
	return doc, nil
}

// SubmitHealthDeclaration stores the applicant's health declaration.
func (o *Orchestrator) SubmitHealthDeclaration(ctx context.Context, enrollmentID string, record domain.HealthRecord) (domain.HealthRecord, error) {
	e, err := o.Get(ctx, enrollmentID)
	if err != nil {
		return domain.HealthRecord{}, err
	}
	if e.Status != domain.StatusHealthDeclarationPending {
		return domain.HealthRecord{}, errors.PreconditionNotMet(errors.CodeStageNotReady,
			fmt.Sprintf("enrollment %s is not accepting a health declaration in status %s", e.ID, e.Status))
	}

	now := o.now()
	record.EnrollmentID = e.ID
	if record.ID == "" {
		record.ID = uuid.NewString()
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if err := o.records.Save(ctx, record); err != nil {
		return domain.HealthRecord{}, fmt.Errorf("save health record: %w", err)
	}
	o.auditEntry(ctx, e.ID, "health_declaration_submitted", map[string]string{
		"health_record": record.ID,
	})
	return record, nil
}

// VerifyHealthRecord marks the declaration verified by the review
// collaborator, unblocking the interview stage.
func (o *Orchestrator) VerifyHealthRecord(ctx context.Context, enrollmentID string) error {
	record, err := o.records.FindByEnrollment(ctx, enrollmentID)
	if err != nil {
		return errors.NotFound(errors.CodeHealthRecordNotFound,
			fmt.Sprintf("health record for enrollment %s not found", enrollmentID))
	}
	record.Verified = true
	record.UpdatedAt = o.now()
	if err := o.records.Save(ctx, record); err != nil {
		return fmt.Errorf("save health record: %w", err)
	}
	o.auditEntry(ctx, enrollmentID, "health_record_verified", nil)
	return nil
}

// Advance reads the enrollment's current status and associated readiness and
// either triggers the next pipeline stage or rejects the call.
func (o *Orchestrator) Advance(ctx context.Context, enrollmentID string) error {
	e, err := o.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}

	switch e.Status {
	case domain.StatusDraft:
		if !e.Metadata.ConsentGiven {
			return errors.PreconditionNotMet(errors.CodeStageNotReady,
				"consent must be given before enrollment can proceed")
		}
		return o.transition(ctx, e, domain.StatusDocumentsPending, "", "intake accepted")

	case domain.StatusDocumentsPending:
		ready, err := o.documentsReady(ctx, e)
		if err != nil {
			return err
		}
		if !ready {
			return errors.PreconditionNotMet(errors.CodeStageNotReady,
				fmt.Sprintf("enrollment %s still needs processed documents", e.ID))
		}
		return o.transition(ctx, e, domain.StatusHealthDeclarationPending, domain.StageOCR, "required documents processed")

	case domain.StatusHealthDeclarationPending:
		record, err := o.records.FindByEnrollment(ctx, e.ID)
		if err != nil || !record.Verified {
			return errors.PreconditionNotMet(errors.CodeStageNotReady,
				fmt.Sprintf("enrollment %s needs a verified health declaration", e.ID))
		}
		return o.transition(ctx, e, domain.StatusInterviewScheduled, "", "health declaration verified")

	case domain.StatusInterviewScheduled:
		// The interview outcome arrives from an external collaborator.
		return o.transition(ctx, e, domain.StatusInterviewCompleted, "", "interview completed")

	case domain.StatusInterviewCompleted:
		record, err := o.records.FindByEnrollment(ctx, e.ID)
		if err != nil || !record.Verified {
			return errors.PreconditionNotMet(errors.CodeStageNotReady,
				fmt.Sprintf("enrollment %s needs a verified health declaration before transmission", e.ID))
		}
		// Completion waits for the asynchronous EMR transmission stage.
		if err := o.enqueuer.EnqueueTransmission(ctx, e.ID); err != nil {
			return fmt.Errorf("enqueue emr transmission: %w", err)
		}
		o.auditEntry(ctx, e.ID, "emr_transmission_scheduled", nil)
		return nil

	default:
		return errors.PreconditionNotMet(errors.CodeIllegalTransition,
			fmt.Sprintf("enrollment %s cannot advance from terminal status %s", e.ID, e.Status))
	}
}

// Withdraw moves an enrollment to the withdrawn terminal state.
func (o *Orchestrator) Withdraw(ctx context.Context, enrollmentID string) error {
	e, err := o.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}
	return o.transition(ctx, e, domain.StatusWithdrawn, "", "withdrawn by applicant")
}

// OnStageSucceeded applies the status consequence of a completed stage.
// Duplicate signals for an already-transitioned stage are a no-op: the queue
// delivers at least once.
func (o *Orchestrator) OnStageSucceeded(ctx context.Context, enrollmentID string, stage domain.Stage) error {
	e, err := o.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}

	switch stage {
	case domain.StageOCR:
		if e.Status != domain.StatusDocumentsPending {
			return nil // already advanced
		}
		ready, err := o.documentsReady(ctx, e)
		if err != nil {
			return err
		}
		if !ready {
			return nil // more documents outstanding
		}
		return o.ignoreDuplicate(o.transition(ctx, e, domain.StatusHealthDeclarationPending, stage, "required documents processed"))

	case domain.StageTransmission:
		if e.Status != domain.StatusInterviewCompleted {
			return nil // already completed or regressed
		}
		return o.ignoreDuplicate(o.transition(ctx, e, domain.StatusCompleted, stage, "emr transmission acknowledged"))

	case domain.StageConversion, domain.StageNotification:
		// Conversion succeeds inside the transmission stage; notification
		// outcomes never change enrollment status.
		return nil

	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// OnStageFailed applies the consequence of a stage that exhausted its retry
// budget: the enrollment falls back to the nearest stable recoverable
// status. The fallback itself is synchronous and idempotent.
func (o *Orchestrator) OnStageFailed(ctx context.Context, enrollmentID string, stage domain.Stage, cause error) error {
	e, err := o.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}

	kind := errors.KindOf(cause)
	o.metrics.StageFailures.WithLabelValues(string(stage), string(kind)).Inc()
	o.auditEntry(ctx, e.ID, "stage_failed", map[string]string{
		"stage": string(stage),
		"kind":  string(kind),
	})

	if stage == domain.StageNotification {
		// A failing subscriber never fails the enrollment's own pipeline.
		return nil
	}

	recovery := domain.RecoveryStatus(e.Status)
	if recovery == e.Status || domain.IsTerminal(e.Status) {
		return nil // already stable
	}
	return o.ignoreDuplicate(o.transition(ctx, e, recovery, stage, "stage retries exhausted"))
}

// documentsReady reports whether the required number of processed documents
// has been reached.
func (o *Orchestrator) documentsReady(ctx context.Context, e domain.Enrollment) (bool, error) {
	docs, err := o.documents.ListByEnrollment(ctx, e.ID)
	if err != nil {
		return false, fmt.Errorf("list documents: %w", err)
	}
	processed := 0
	for _, d := range docs {
		if d.Status == domain.DocStatusProcessed {
			processed++
		}
	}
	return processed >= e.RequiredDocuments && e.RequiredDocuments > 0, nil
}

// transition moves the enrollment along one edge, appends the audit record,
// bumps the transition counter, and emits the status event.
func (o *Orchestrator) transition(ctx context.Context, e domain.Enrollment, to domain.EnrollmentStatus, stage domain.Stage, reason string) error {
	if !domain.CanTransition(e.Status, to) {
		return errors.PreconditionNotMet(errors.CodeIllegalTransition,
			fmt.Sprintf("illegal transition %s -> %s for enrollment %s", e.Status, to, e.ID))
	}
	if err := o.enrollments.UpdateStatus(ctx, e.ID, e.Status, to); err != nil {
		return err
	}

	o.metrics.StatusTransitions.WithLabelValues(string(e.Status), string(to)).Inc()
	o.auditEntry(ctx, e.ID, "status_transition", map[string]string{
		"from":   string(e.Status),
		"to":     string(to),
		"stage":  string(stage),
		"reason": reason,
	})
	logger.Info("Enrollment status transition",
		zap.String("enrollment_id", e.ID),
		zap.String("from", string(e.Status)),
		zap.String("to", string(to)),
	)

	payload, err := domain.StatusChangedPayload{
		EnrollmentID: e.ID, From: e.Status, To: to, Reason: reason,
	}.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal status payload: %w", err)
	}
	o.emit(ctx, domain.EventEnrollmentStatusChanged, e.ID, payload)

	switch to {
	case domain.StatusCompleted:
		o.emit(ctx, domain.EventEnrollmentCompleted, e.ID, payload)
	case domain.StatusWithdrawn:
		o.emit(ctx, domain.EventEnrollmentWithdrawn, e.ID, payload)
	}
	return nil
}

// ignoreDuplicate maps the concurrent-transition conflict to a no-op. A
// duplicate queue signal lost the race; the state it wanted is already
// applied or superseded.
func (o *Orchestrator) ignoreDuplicate(err error) error {
	if appErr, ok := errors.IsAppError(err); ok && appErr.Kind == errors.KindPrecondition {
		return nil
	}
	return err
}

func (o *Orchestrator) emit(ctx context.Context, eventType domain.EventType, enrollmentID string, payload []byte) {
	if o.events == nil {
		return
	}
	err := o.events.Dispatch(ctx, &domain.DomainEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: "enrollment",
		AggregateID:   enrollmentID,
		Payload:       payload,
		CreatedAt:     o.now(),
	})
	if err != nil {
		logger.Error("Domain event dispatch failed",
			zap.String("event_type", string(eventType)),
			zap.String("enrollment_id", enrollmentID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) auditEntry(ctx context.Context, enrollmentID, action string, detail map[string]string) {
	if o.audit == nil {
		return
	}
	actor := audit.ActorFrom(ctx, "orchestrator")
	if err := o.audit.Record(ctx, enrollmentID, action, actor, detail); err != nil {
		logger.Error("Failed to write audit record",
			zap.String("action", action), zap.Error(err))
	}
}
