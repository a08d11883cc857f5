package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/interop"
	apperrors "carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/pkg/retry"
	"carelink.io/carelink/internal/storage"
)

// EMRTransmitArgs schedules the EMR transmission stage for one enrollment.
type EMRTransmitArgs struct {
	EnrollmentID string `json:"enrollment_id"`
}

// Kind returns the job kind identifier for EMR transmission.
func (EMRTransmitArgs) Kind() string { return "emr_transmit" }

// InsertOpts returns default insert options for transmission jobs.
func (EMRTransmitArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueuePipeline,
		MaxAttempts: retry.EMRPolicy().MaxAttempts,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// PatientTransmitter converts and sends the enrollment's record to the EMR.
type PatientTransmitter interface {
	Transmit(ctx context.Context, enrollmentID string) (string, error)
}

// EMRTransmitWorker runs the conversion and transmission stage.
//
// Execution flow:
//  1. Load the enrollment; completed means a prior attempt already landed
//  2. A regressed enrollment (fallback already applied) drops the stale job
//  3. Transmit the Patient resource
//  4. Success: emit EMR_TRANSMITTED and complete the enrollment
//  5. Open breaker: snooze without consuming budget
//  6. Retryable with budget left: reschedule per the stage policy
//  7. Terminal or exhausted: emit EMR_TRANSMISSION_FAILED and fall back
type EMRTransmitWorker struct {
	river.WorkerDefaults[EMRTransmitArgs]
	enrollments storage.EnrollmentStore
	records     storage.HealthRecordStore
	transmitter PatientTransmitter
	reporter    StageReporter
	events      *domain.EventDispatcher
	policy      retry.Policy
	snooze      time.Duration
}

// NewEMRTransmitWorker creates the worker with all dependencies.
func NewEMRTransmitWorker(
	enrollments storage.EnrollmentStore,
	records storage.HealthRecordStore,
	transmitter PatientTransmitter,
	reporter StageReporter,
	events *domain.EventDispatcher,
	snooze time.Duration,
) *EMRTransmitWorker {
	return &EMRTransmitWorker{
		enrollments: enrollments,
		records:     records,
		transmitter: transmitter,
		reporter:    reporter,
		events:      events,
		policy:      retry.EMRPolicy(),
		snooze:      snooze,
	}
}

// NextRetry schedules retries with the stage policy's backoff.
func (w *EMRTransmitWorker) NextRetry(job *river.Job[EMRTransmitArgs]) time.Time {
	if action := w.policy.Next(job.Attempt, nil); action.Retry {
		return time.Now().Add(action.Delay)
	}
	return time.Time{}
}

// Work executes one transmission attempt.
func (w *EMRTransmitWorker) Work(ctx context.Context, job *river.Job[EMRTransmitArgs]) error {
	enrollmentID := job.Args.EnrollmentID

	logger.Info("Processing EMR transmission job",
		zap.String("enrollment_id", enrollmentID),
		zap.Int("attempt", job.Attempt),
	)

	enrollment, err := w.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		return river.JobCancel(fmt.Errorf("fetch enrollment %s: %w", enrollmentID, err))
	}
	if enrollment.Status == domain.StatusCompleted {
		logger.Info("Enrollment already completed, skipping duplicate transmission",
			zap.String("enrollment_id", enrollmentID),
		)
		return nil
	}
	if enrollment.Status != domain.StatusInterviewCompleted {
		// The enrollment regressed while this job waited; a fresh job is
		// scheduled when it reaches the interview stage again.
		logger.Warn("Dropping stale EMR transmission job",
			zap.String("enrollment_id", enrollmentID),
			zap.String("status", string(enrollment.Status)),
		)
		return nil
	}

	remoteID, err := w.transmitter.Transmit(ctx, enrollmentID)
	if err == nil {
		w.emitOutcome(ctx, domain.EventEMRTransmitted, enrollmentID, remoteID, "")
		if rerr := w.reporter.OnStageSucceeded(ctx, enrollmentID, domain.StageTransmission); rerr != nil {
			return fmt.Errorf("report transmission success for enrollment %s: %w", enrollmentID, rerr)
		}
		logger.Info("EMR transmission job completed",
			zap.String("enrollment_id", enrollmentID),
			zap.String("remote_id", remoteID),
		)
		return nil
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindCircuitOpen, apperrors.KindRateLimited:
		logger.Warn("EMR transmission deferred",
			zap.String("enrollment_id", enrollmentID),
			zap.String("kind", string(apperrors.KindOf(err))),
		)
		return river.JobSnooze(w.snooze)
	}

	if action := w.policy.Next(job.Attempt, err); action.Retry {
		return fmt.Errorf("emr transmission attempt %d for enrollment %s: %w", job.Attempt, enrollmentID, err)
	}

	w.emitOutcome(ctx, domain.EventEMRTransmissionFailed, enrollmentID, "", err.Error())
	if rerr := w.reporter.OnStageFailed(ctx, enrollmentID, domain.StageTransmission, err); rerr != nil {
		return fmt.Errorf("report transmission failure for enrollment %s: %w", enrollmentID, rerr)
	}
	return river.JobCancel(fmt.Errorf("emr transmission exhausted for enrollment %s: %w", enrollmentID, err))
}

func (w *EMRTransmitWorker) emitOutcome(ctx context.Context, eventType domain.EventType, enrollmentID, remoteID, failReason string) {
	if w.events == nil {
		return
	}
	recordID := ""
	if record, err := w.records.FindByEnrollment(ctx, enrollmentID); err == nil {
		recordID = record.ID
	}
	payload, err := domain.TransmissionPayload{
		EnrollmentID:   enrollmentID,
		HealthRecordID: recordID,
		ResourceKind:   interop.KindPatient,
		EMRResourceID:  remoteID,
		FailReason:     failReason,
	}.ToJSON()
	if err != nil {
		return
	}
	dispatchEvent(ctx, w.events, eventType, "enrollment", enrollmentID, payload)
}
