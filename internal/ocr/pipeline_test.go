package ocr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func init() {
	_ = logger.Init("error", "json")
}

// fakeProvider finishes jobs immediately with canned fields or errors.
type fakeProvider struct {
	fields    []domain.ExtractedField
	submitErr error
	pollErr   error
	failJob   bool
	submits   int
}

func (f *fakeProvider) Submit(_ context.Context, _ domain.Document) (string, error) {
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeProvider) Poll(_ context.Context, jobID string) (JobStatus, error) {
	if f.pollErr != nil {
		return JobStatus{}, f.pollErr
	}
	if f.failJob {
		return JobStatus{JobID: jobID, Status: "failed", Error: "unreadable scan"}, nil
	}
	return JobStatus{JobID: jobID, Status: "completed", Fields: f.fields}, nil
}

type fixture struct {
	pipeline *Pipeline
	docs     *storage.InMemoryDocumentStore
	provider *fakeProvider
	breakers *circuit.Registry
	limiter  ratelimit.Limiter
}

func newFixture(t *testing.T, provider *fakeProvider, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	cfg := config.OCRConfig{
		RequestTimeout:   time.Second,
		PollInterval:     time.Millisecond,
		PollTimeout:      time.Second,
		MaxDocumentBytes: 1024 * 1024,
		Thresholds: map[string]float64{
			"id_document":      0.99,
			"proof_of_address": 0.95,
		},
		LockTTL: time.Minute,
	}
	docs := storage.NewInMemoryDocumentStore()
	breakers := circuit.NewRegistry(5, time.Minute)
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: 100, Window: time.Minute})
	}
	auditSvc := audit.NewService(storage.NewInMemoryAuditStore())
	p := NewPipeline(cfg, docs, lock.NewMemoryLocker(), limiter, breakers, provider, auditSvc, metrics.NewNop())
	return &fixture{pipeline: p, docs: docs, provider: provider, breakers: breakers, limiter: limiter}
}

func seedDocument(t *testing.T, docs *storage.InMemoryDocumentStore, docType domain.DocumentType) domain.Document {
	t.Helper()
	doc := domain.Document{
		ID:           "doc-1",
		EnrollmentID: "enr-1",
		Type:         docType,
		StorageRef:   "s3://bucket/doc-1",
		ContentType:  "application/pdf",
		SizeBytes:    2048,
		Status:       domain.DocStatusPending,
	}
	require.NoError(t, docs.Save(context.Background(), doc))
	return doc
}

func TestProcessAcceptsAboveThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeProvider{fields: []domain.ExtractedField{
		{Name: "name", Value: "Jensen", Confidence: 0.998},
		{Name: "id_number", Value: "X123", Confidence: 0.995},
	}}, nil)
	seedDocument(t, f.docs, domain.DocTypeIdentity)

	result, err := f.pipeline.Process(ctx, "doc-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.995, result.Confidence, 1e-9)

	doc, err := f.docs.FindByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocStatusProcessed, doc.Status)
	require.NotNil(t, doc.OCR)
	assert.Len(t, doc.OCR.Fields, 2)
}

func TestProcessRejectsBelowThreshold(t *testing.T) {
	ctx := context.Background()
	// One noisy field drags the aggregate below the identity threshold.
	f := newFixture(t, &fakeProvider{fields: []domain.ExtractedField{
		{Name: "name", Value: "Jensen", Confidence: 0.999},
		{Name: "id_number", Value: "X1?3", Confidence: 0.41},
	}}, nil)
	seedDocument(t, f.docs, domain.DocTypeIdentity)

	_, err := f.pipeline.Process(ctx, "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.KindLowConfidence, errors.KindOf(err))

	doc, err := f.docs.FindByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocStatusFailed, doc.Status)
	assert.Equal(t, "low_confidence", doc.FailReason)
	// Extracted fields are kept for operator review.
	require.NotNil(t, doc.OCR)
}

func TestProcessThresholdBoundaryPerType(t *testing.T) {
	tests := []struct {
		name       string
		docType    domain.DocumentType
		confidence float64
		wantStatus domain.DocumentStatus
	}{
		{"identity exactly at threshold", domain.DocTypeIdentity, 0.99, domain.DocStatusProcessed},
		{"identity just below", domain.DocTypeIdentity, 0.989, domain.DocStatusFailed},
		{"proof of address passes lower bar", domain.DocTypeProofOfAddress, 0.96, domain.DocStatusProcessed},
		{"proof of address below", domain.DocTypeProofOfAddress, 0.94, domain.DocStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, &fakeProvider{fields: []domain.ExtractedField{
				{Name: "field", Value: "v", Confidence: tt.confidence},
			}}, nil)
			seedDocument(t, f.docs, tt.docType)

			_, err := f.pipeline.Process(ctx, "doc-1")
			doc, ferr := f.docs.FindByID(ctx, "doc-1")
			require.NoError(t, ferr)
			assert.Equal(t, tt.wantStatus, doc.Status)
			if tt.wantStatus == domain.DocStatusProcessed {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestProcessIdempotentOnRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeProvider{fields: []domain.ExtractedField{
		{Name: "name", Value: "Jensen", Confidence: 0.999},
	}}, nil)
	seedDocument(t, f.docs, domain.DocTypeIdentity)

	first, err := f.pipeline.Process(ctx, "doc-1")
	require.NoError(t, err)
	// Duplicate queue delivery must not re-submit to the provider.
	second, err := f.pipeline.Process(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.provider.submits)
}

func TestProcessValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeProvider{}, nil)

	doc := seedDocument(t, f.docs, domain.DocTypeIdentity)
	doc.ContentType = "application/zip"
	require.NoError(t, f.docs.Save(ctx, doc))

	_, err := f.pipeline.Process(ctx, "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	assert.Equal(t, 0, f.provider.submits)
}

func TestProcessAlreadyProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeProvider{fields: []domain.ExtractedField{
		{Name: "name", Value: "v", Confidence: 0.999},
	}}, nil)
	seedDocument(t, f.docs, domain.DocTypeIdentity)

	// Another worker holds the processing lock.
	locker := lock.NewMemoryLocker()
	f.pipeline.locks = locker
	held, err := locker.Acquire(ctx, lock.Key("doc-1", "ocr"), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = f.pipeline.Process(ctx, "doc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyProcessing)
	assert.Equal(t, 0, f.provider.submits)
}

func TestProcessRateLimited(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: 1, Window: time.Minute})
	f := newFixture(t, &fakeProvider{fields: []domain.ExtractedField{
		{Name: "name", Value: "v", Confidence: 0.999},
	}}, limiter)
	seedDocument(t, f.docs, domain.DocTypeIdentity)

	// Exhaust the window.
	allowed, err := limiter.Allow(ctx, "ocr")
	require.NoError(t, err)
	require.True(t, allowed)

	_, err = f.pipeline.Process(ctx, "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.KindRateLimited, errors.KindOf(err))
	assert.Equal(t, 0, f.provider.submits)
}

func TestProcessCircuitOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeProvider{}, nil)
	seedDocument(t, f.docs, domain.DocTypeIdentity)

	breaker := f.breakers.For("ocr")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, circuit.StateOpen, breaker.State())

	_, err := f.pipeline.Process(ctx, "doc-1")
	require.Error(t, err)
	assert.Equal(t, errors.KindCircuitOpen, errors.KindOf(err))
	assert.Equal(t, 0, f.provider.submits)
}

func TestProcessProviderFailures(t *testing.T) {
	t.Run("transient submit failure stays retryable and claimable", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, &fakeProvider{
			submitErr: errors.Retryable(nil, errors.CodeOCRThrottled, "throttled"),
		}, nil)
		seedDocument(t, f.docs, domain.DocTypeIdentity)

		_, err := f.pipeline.Process(ctx, "doc-1")
		require.Error(t, err)
		assert.True(t, errors.IsRetryable(err))
		assert.Equal(t, int64(1), f.breakers.For("ocr").Failures())

		// Document stays in processing for the next attempt.
		doc, ferr := f.docs.FindByID(ctx, "doc-1")
		require.NoError(t, ferr)
		assert.Equal(t, domain.DocStatusProcessing, doc.Status)
	})

	t.Run("provider-side job failure is terminal", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, &fakeProvider{failJob: true}, nil)
		seedDocument(t, f.docs, domain.DocTypeIdentity)

		_, err := f.pipeline.Process(ctx, "doc-1")
		require.Error(t, err)
		assert.False(t, errors.IsRetryable(err))

		doc, ferr := f.docs.FindByID(ctx, "doc-1")
		require.NoError(t, ferr)
		assert.Equal(t, domain.DocStatusFailed, doc.Status)
	})
}
