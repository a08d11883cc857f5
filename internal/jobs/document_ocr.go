package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"carelink.io/carelink/internal/domain"
	apperrors "carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/pkg/retry"
	"carelink.io/carelink/internal/storage"
)

// DocumentOCRArgs schedules OCR extraction for one document.
type DocumentOCRArgs struct {
	DocumentID string `json:"document_id"`
}

// Kind returns the job kind identifier for document OCR.
func (DocumentOCRArgs) Kind() string { return "document_ocr" }

// InsertOpts returns default insert options for OCR jobs. MaxAttempts tracks
// the stage retry budget; the worker's NextRetry supplies the backoff.
func (DocumentOCRArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueuePipeline,
		MaxAttempts: retry.OCRPolicy().MaxAttempts,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// DocumentProcessor runs OCR extraction for one document.
type DocumentProcessor interface {
	Process(ctx context.Context, documentID string) (domain.OCRResult, error)
}

// StageReporter receives stage outcomes. Implemented by the orchestrator.
type StageReporter interface {
	OnStageSucceeded(ctx context.Context, enrollmentID string, stage domain.Stage) error
	OnStageFailed(ctx context.Context, enrollmentID string, stage domain.Stage, cause error) error
}

// DocumentOCRWorker runs the OCR stage for one document.
//
// Execution flow:
//  1. Load the document; a missing document cancels the job
//  2. Idempotency check: a processed document skips extraction
//  3. Run the pipeline (lock, rate limit, breaker, provider, threshold)
//  4. Success: emit DOCUMENT_PROCESSED and signal the orchestrator
//  5. Open breaker or exhausted rate window: snooze without consuming budget
//  6. Retryable failure with budget left: reschedule per the stage policy
//  7. Terminal or exhausted: emit DOCUMENT_FAILED, fall the enrollment back
type DocumentOCRWorker struct {
	river.WorkerDefaults[DocumentOCRArgs]
	docs     storage.DocumentStore
	pipeline DocumentProcessor
	reporter StageReporter
	events   *domain.EventDispatcher
	policy   retry.Policy
	snooze   time.Duration
}

// NewDocumentOCRWorker creates the worker with all dependencies.
func NewDocumentOCRWorker(
	docs storage.DocumentStore,
	pipeline DocumentProcessor,
	reporter StageReporter,
	events *domain.EventDispatcher,
	snooze time.Duration,
) *DocumentOCRWorker {
	return &DocumentOCRWorker{
		docs:     docs,
		pipeline: pipeline,
		reporter: reporter,
		events:   events,
		policy:   retry.OCRPolicy(),
		snooze:   snooze,
	}
}

// NextRetry schedules retries with the stage policy's backoff instead of the
// queue default.
func (w *DocumentOCRWorker) NextRetry(job *river.Job[DocumentOCRArgs]) time.Time {
	if action := w.policy.Next(job.Attempt, nil); action.Retry {
		return time.Now().Add(action.Delay)
	}
	return time.Time{}
}

// Work executes one OCR attempt.
func (w *DocumentOCRWorker) Work(ctx context.Context, job *river.Job[DocumentOCRArgs]) error {
	documentID := job.Args.DocumentID

	logger.Info("Processing document OCR job",
		zap.String("document_id", documentID),
		zap.Int("attempt", job.Attempt),
	)

	doc, err := w.docs.FindByID(ctx, documentID)
	if err != nil {
		return river.JobCancel(fmt.Errorf("fetch document %s: %w", documentID, err))
	}
	if doc.Status == domain.DocStatusProcessed {
		logger.Info("Document already processed, skipping duplicate execution",
			zap.String("document_id", documentID),
		)
		return nil
	}

	result, err := w.pipeline.Process(ctx, documentID)
	if err == nil {
		w.emitOutcome(ctx, domain.EventDocumentProcessed, doc, result.Confidence, "")
		if rerr := w.reporter.OnStageSucceeded(ctx, doc.EnrollmentID, domain.StageOCR); rerr != nil {
			return fmt.Errorf("report ocr success for enrollment %s: %w", doc.EnrollmentID, rerr)
		}
		logger.Info("Document OCR job completed",
			zap.String("document_id", documentID),
			zap.Float64("confidence", result.Confidence),
		)
		return nil
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindCircuitOpen, apperrors.KindRateLimited:
		// The provider target is unavailable, not this document. Defer
		// without consuming the retry budget.
		logger.Warn("OCR stage deferred",
			zap.String("document_id", documentID),
			zap.String("kind", string(apperrors.KindOf(err))),
		)
		return river.JobSnooze(w.snooze)
	case apperrors.KindPrecondition:
		// Another worker holds the processing lock.
		return river.JobSnooze(w.snooze)
	}

	if action := w.policy.Next(job.Attempt, err); action.Retry {
		return fmt.Errorf("ocr attempt %d for document %s: %w", job.Attempt, documentID, err)
	}

	w.emitOutcome(ctx, domain.EventDocumentFailed, doc, 0, err.Error())
	if rerr := w.reporter.OnStageFailed(ctx, doc.EnrollmentID, domain.StageOCR, err); rerr != nil {
		return fmt.Errorf("report ocr failure for enrollment %s: %w", doc.EnrollmentID, rerr)
	}
	return river.JobCancel(fmt.Errorf("ocr exhausted for document %s: %w", documentID, err))
}

func (w *DocumentOCRWorker) emitOutcome(ctx context.Context, eventType domain.EventType, doc domain.Document, confidence float64, failReason string) {
	if w.events == nil {
		return
	}
	payload, err := domain.DocumentOutcomePayload{
		EnrollmentID: doc.EnrollmentID,
		DocumentID:   doc.ID,
		DocumentType: doc.Type,
		Confidence:   confidence,
		FailReason:   failReason,
	}.ToJSON()
	if err != nil {
		return
	}
	dispatchEvent(ctx, w.events, eventType, "document", doc.ID, payload)
}
