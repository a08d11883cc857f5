package ocr

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"carelink.io/carelink/internal/audit"
	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/platform/circuit"
	"carelink.io/carelink/internal/platform/lock"
	"carelink.io/carelink/internal/platform/metrics"
	"carelink.io/carelink/internal/platform/ratelimit"
	"carelink.io/carelink/internal/storage"
)

// supportedContentTypes are the upload formats the provider accepts.
var supportedContentTypes = map[string]struct{}{
	"application/pdf": {},
	"image/jpeg":      {},
	"image/png":       {},
}

// rateKey is the shared sliding-window key for outbound OCR calls.
const rateKey = "ocr"

// Pipeline runs a document through the external OCR provider and enforces
// the per-type confidence threshold on the result.
type Pipeline struct {
	cfg      config.OCRConfig
	docs     storage.DocumentStore
	locks    lock.Locker
	limiter  ratelimit.Limiter
	breakers *circuit.Registry
	provider Provider
	audit    *audit.Service
	metrics  *metrics.Metrics
}

// NewPipeline wires the OCR pipeline.
func NewPipeline(
	cfg config.OCRConfig,
	docs storage.DocumentStore,
	locks lock.Locker,
	limiter ratelimit.Limiter,
	breakers *circuit.Registry,
	provider Provider,
	auditSvc *audit.Service,
	m *metrics.Metrics,
) *Pipeline {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		docs:     docs,
		locks:    locks,
		limiter:  limiter,
		breakers: breakers,
		provider: provider,
		audit:    auditSvc,
		metrics:  m,
	}
}

// Validate rejects unsupported file types and sizes before any provider
// call or lock acquisition.
func (p *Pipeline) Validate(doc domain.Document) error {
	if _, ok := supportedContentTypes[doc.ContentType]; !ok {
		return errors.Validation(errors.CodeDocumentInvalid,
			fmt.Sprintf("unsupported content type %q", doc.ContentType))
	}
	if doc.SizeBytes <= 0 {
		return errors.Validation(errors.CodeDocumentInvalid, "document is empty")
	}
	if doc.SizeBytes > p.cfg.MaxDocumentBytes {
		return errors.Validation(errors.CodeDocumentInvalid,
			fmt.Sprintf("document exceeds %d bytes", p.cfg.MaxDocumentBytes))
	}
	return nil
}

// Process runs one OCR attempt for the document. Re-delivery of an already
// processed document is a no-op returning the stored result.
//
// The caller owns the retry schedule; Process classifies each failure so the
// retry policy can decide.
func (p *Pipeline) Process(ctx context.Context, documentID string) (domain.OCRResult, error) {
	doc, err := p.docs.FindByID(ctx, documentID)
	if err != nil {
		return domain.OCRResult{}, errors.NotFound(errors.CodeDocumentNotFound,
			fmt.Sprintf("document %s not found", documentID))
	}

	// At-least-once queue delivery: a duplicate signal for a finished
	// document must not re-submit it.
	if doc.Status == domain.DocStatusProcessed && doc.OCR != nil {
		return *doc.OCR, nil
	}

	if err := p.Validate(doc); err != nil {
		return domain.OCRResult{}, err
	}

	lockKey := lock.Key(doc.ID, "ocr")
	acquired, err := p.locks.Acquire(ctx, lockKey, p.cfg.LockTTL)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("acquire ocr lock: %w", err)
	}
	if !acquired {
		return domain.OCRResult{}, errors.Wrap(errors.ErrAlreadyProcessing,
			errors.CodeAlreadyProcessing,
			fmt.Sprintf("document %s is already being processed", doc.ID),
			errors.KindPrecondition, 409)
	}
	defer func() {
		if rerr := p.locks.Release(ctx, lockKey); rerr != nil {
			logger.Warn("Failed to release ocr lock",
				zap.String("document_id", doc.ID), zap.Error(rerr))
		}
	}()

	allowed, err := p.limiter.Allow(ctx, rateKey)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		p.metrics.OCRDocuments.WithLabelValues("rate_limited").Inc()
		return domain.OCRResult{}, errors.RateLimited(rateKey)
	}

	breaker := p.breakers.For("ocr")
	if !breaker.Allow() {
		p.metrics.OCRDocuments.WithLabelValues("circuit_open").Inc()
		return domain.OCRResult{}, errors.CircuitOpen("ocr")
	}

	if err := p.claim(ctx, doc); err != nil {
		return domain.OCRResult{}, err
	}

	result, err := p.extract(ctx, doc, breaker)
	if err != nil {
		p.recordFailure(ctx, doc, err)
		return domain.OCRResult{}, err
	}
	breaker.RecordSuccess()

	threshold := p.cfg.Threshold(string(doc.Type))
	if result.Confidence < threshold {
		lowErr := errors.LowConfidence(errors.CodeLowConfidence,
			fmt.Sprintf("confidence %.3f below threshold %.3f for %s", result.Confidence, threshold, doc.Type))
		if serr := p.docs.SaveResult(ctx, doc.ID, domain.DocStatusFailed, &result, "low_confidence"); serr != nil {
			return domain.OCRResult{}, serr
		}
		p.metrics.OCRDocuments.WithLabelValues("low_confidence").Inc()
		p.auditEntry(ctx, doc, "ocr_low_confidence", map[string]string{
			"document_id": doc.ID,
			"confidence":  fmt.Sprintf("%.3f", result.Confidence),
			"threshold":   fmt.Sprintf("%.3f", threshold),
		})
		return domain.OCRResult{}, lowErr
	}

	if err := p.docs.SaveResult(ctx, doc.ID, domain.DocStatusProcessed, &result, ""); err != nil {
		return domain.OCRResult{}, err
	}
	p.metrics.OCRDocuments.WithLabelValues("processed").Inc()
	p.auditEntry(ctx, doc, "ocr_processed", map[string]string{
		"document_id": doc.ID,
		"confidence":  fmt.Sprintf("%.3f", result.Confidence),
	})
	logger.Info("Document processed",
		zap.String("document_id", doc.ID),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}

// claim moves the document into processing. A document already in
// processing was left there by an expired attempt; holding the lock makes
// reclaiming it safe.
func (p *Pipeline) claim(ctx context.Context, doc domain.Document) error {
	switch doc.Status {
	case domain.DocStatusPending, domain.DocStatusFailed:
		return p.docs.UpdateStatus(ctx, doc.ID, doc.Status, domain.DocStatusProcessing)
	case domain.DocStatusProcessing:
		return nil
	default:
		return errors.PreconditionNotMet(errors.CodeAlreadyProcessing,
			fmt.Sprintf("document %s in unexpected status %s", doc.ID, doc.Status))
	}
}

// extract submits the document and polls the provider until it finishes or
// the poll budget runs out. Poll timeout is a retryable failure.
func (p *Pipeline) extract(ctx context.Context, doc domain.Document, breaker *circuit.Breaker) (domain.OCRResult, error) {
	jobID, err := p.provider.Submit(ctx, doc)
	if err != nil {
		return domain.OCRResult{}, err
	}

	deadline := time.Now().Add(p.cfg.PollTimeout)
	for {
		status, err := p.provider.Poll(ctx, jobID)
		if err != nil {
			return domain.OCRResult{}, err
		}
		if status.Terminal() {
			if status.Status == "failed" {
				return domain.OCRResult{}, errors.Terminal(nil, errors.CodeOCRProviderFailure,
					fmt.Sprintf("ocr job %s failed: %s", jobID, status.Error))
			}
			return domain.OCRResult{
				Confidence: domain.AggregateConfidence(status.Fields),
				Fields:     status.Fields,
				ProviderID: jobID,
			}, nil
		}

		if time.Now().After(deadline) {
			return domain.OCRResult{}, errors.Retryable(nil, errors.CodeOCRTimeout,
				fmt.Sprintf("ocr job %s did not finish within %s", jobID, p.cfg.PollTimeout))
		}
		select {
		case <-ctx.Done():
			return domain.OCRResult{}, errors.Retryable(ctx.Err(), errors.CodeOCRTimeout, "ocr poll cancelled")
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// recordFailure updates breaker state and the document row for a provider
// failure. Retryable failures keep the document claimable; terminal ones
// mark it failed.
func (p *Pipeline) recordFailure(ctx context.Context, doc domain.Document, cause error) {
	breaker := p.breakers.For("ocr")
	if opened := breaker.RecordFailure(); opened {
		p.metrics.BreakerOpens.WithLabelValues("ocr").Inc()
		logger.Warn("OCR circuit breaker opened", zap.Int64("failures", breaker.Failures()))
	}

	kind := errors.KindOf(cause)
	p.metrics.OCRDocuments.WithLabelValues("failed").Inc()
	p.metrics.StageFailures.WithLabelValues(string(domain.StageOCR), string(kind)).Inc()

	if !errors.IsRetryable(cause) {
		if err := p.docs.SaveResult(ctx, doc.ID, domain.DocStatusFailed, nil, cause.Error()); err != nil {
			logger.Error("Failed to persist ocr failure",
				zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	p.auditEntry(ctx, doc, "ocr_failed", map[string]string{
		"document_id": doc.ID,
		"kind":        string(kind),
	})
}

func (p *Pipeline) auditEntry(ctx context.Context, doc domain.Document, action string, detail map[string]string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, doc.EnrollmentID, action, "ocr_pipeline", detail); err != nil {
		logger.Error("Failed to write audit record",
			zap.String("action", action), zap.Error(err))
	}
}
