package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.io/carelink/internal/audit"
	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/emr"
	"carelink.io/carelink/internal/interop"
	"carelink.io/carelink/internal/ocr"
	"carelink.io/carelink/internal/orchestrator"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/pkg/retry"
	"carelink.io/carelink/internal/platform/cache"
	"carelink.io/carelink/internal/platform/circuit"
	"carelink.io/carelink/internal/platform/fieldcrypt"
	"carelink.io/carelink/internal/platform/lock"
	"carelink.io/carelink/internal/platform/metrics"
	"carelink.io/carelink/internal/platform/ratelimit"
	"carelink.io/carelink/internal/storage"
	"carelink.io/carelink/internal/webhook"
)

func init() {
	_ = logger.Init("error", "json")
}

// syncRunner stands in for the durable queue: jobs run inline, retries run
// immediately without the scheduled delay. Stage semantics (policy budgets,
// stage reporting) match the queue workers.
type syncRunner struct {
	orch        *orchestrator.Orchestrator
	pipeline    *ocr.Pipeline
	transmitter *orchestrator.Transmitter
	deliverer   *webhook.Deliverer
	docs        storage.DocumentStore
}

func (r *syncRunner) EnqueueOCR(ctx context.Context, documentID string) error {
	doc, err := r.docs.FindByID(ctx, documentID)
	if err != nil {
		return err
	}
	policy := retry.OCRPolicy()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if _, lastErr = r.pipeline.Process(ctx, documentID); lastErr == nil {
			return r.orch.OnStageSucceeded(ctx, doc.EnrollmentID, domain.StageOCR)
		}
		if !policy.Next(attempt, lastErr).Retry {
			break
		}
	}
	return r.orch.OnStageFailed(ctx, doc.EnrollmentID, domain.StageOCR, lastErr)
}

func (r *syncRunner) EnqueueTransmission(ctx context.Context, enrollmentID string) error {
	policy := retry.EMRPolicy()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if _, lastErr = r.transmitter.Transmit(ctx, enrollmentID); lastErr == nil {
			return r.orch.OnStageSucceeded(ctx, enrollmentID, domain.StageTransmission)
		}
		if !policy.Next(attempt, lastErr).Retry {
			break
		}
	}
	return r.orch.OnStageFailed(ctx, enrollmentID, domain.StageTransmission, lastErr)
}

func (r *syncRunner) EnqueueDelivery(ctx context.Context, del webhook.Delivery, _ time.Duration) error {
	err := r.deliverer.Deliver(ctx, del)
	if err == nil || !errors.IsRetryable(err) {
		return nil
	}
	if action := r.deliverer.Policy().Next(del.Attempt, err); action.Retry {
		next := del
		next.Attempt++
		return r.EnqueueDelivery(ctx, next, action.Delay)
	}
	return nil
}

// pipelineWorld is the full pipeline over memory stores with httptest
// providers standing in for the OCR, EMR, and subscriber endpoints.
type pipelineWorld struct {
	orch        *orchestrator.Orchestrator
	runner      *syncRunner
	breakers    *circuit.Registry
	enrollments *storage.InMemoryEnrollmentStore
	documents   *storage.InMemoryDocumentStore
	records     *storage.InMemoryHealthRecordStore
	attempts    *storage.InMemoryDeliveryAttemptStore
	subs        *storage.InMemorySubscriptionStore
	events      *domain.EventDispatcher
}

func newPipelineWorld(t *testing.T, ocrURL, emrBase, tokenURL string) *pipelineWorld {
	t.Helper()

	enrollments := storage.NewInMemoryEnrollmentStore()
	documents := storage.NewInMemoryDocumentStore()
	records := storage.NewInMemoryHealthRecordStore()
	subs := storage.NewInMemorySubscriptionStore()
	attempts := storage.NewInMemoryDeliveryAttemptStore()
	auditSvc := audit.NewService(storage.NewInMemoryAuditStore())
	nop := metrics.NewNop()
	events := domain.NewEventDispatcher()
	breakers := circuit.NewRegistry(5, time.Minute)

	ocrCfg := config.OCRConfig{
		BaseURL:          ocrURL,
		RequestTimeout:   5 * time.Second,
		PollInterval:     time.Millisecond,
		PollTimeout:      time.Second,
		MaxDocumentBytes: 10 << 20,
		RatePerMinute:    100,
		LockTTL:          time.Minute,
		Thresholds:       map[string]float64{"id_document": 0.99},
	}
	emrCfg := config.EMRConfig{
		BaseURL:        emrBase,
		TokenURL:       tokenURL,
		ClientID:       "carelink",
		ClientSecret:   "secret",
		RequestTimeout: 5 * time.Second,
		ReadCacheTTL:   time.Minute,
	}
	webhookCfg := config.WebhookConfig{
		DeliveryTimeout: 5 * time.Second,
		MaxPayloadBytes: 5 << 20,
		ReplayWindow:    5 * time.Minute,
	}

	codec, err := fieldcrypt.NewCodec(bytes.Repeat([]byte("k"), 32), []string{"primary"}, "primary")
	require.NoError(t, err)
	converter := interop.NewConverter(codec)

	pipeline := ocr.NewPipeline(
		ocrCfg, documents,
		lock.NewMemoryLocker(),
		ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: 100, Window: time.Minute}),
		breakers, ocr.NewClient(ocrCfg), auditSvc, nop,
	)

	emrClient := emr.NewClient(emrCfg, converter, breakers, cache.NewMemoryCache(), nop)
	transmitter := orchestrator.NewTransmitter(records, converter, emrClient)

	runner := &syncRunner{docs: documents}
	orch := orchestrator.New(enrollments, documents, records, auditSvc, nop, events, runner)

	deliverer := webhook.NewDeliverer(webhookCfg, subs, attempts, breakers, nop)
	dispatcher := webhook.NewDispatcher(webhookCfg, subs, runner)
	events.Register(domain.EventEnrollmentCompleted, dispatcher.DispatchEvent)
	events.Register(domain.EventEnrollmentStatusChanged, dispatcher.DispatchEvent)

	runner.orch = orch
	runner.pipeline = pipeline
	runner.transmitter = transmitter
	runner.deliverer = deliverer

	return &pipelineWorld{
		orch:        orch,
		runner:      runner,
		breakers:    breakers,
		enrollments: enrollments,
		documents:   documents,
		records:     records,
		attempts:    attempts,
		subs:        subs,
		events:      events,
	}
}

func newOCRProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-e2e"})
	})
	mux.HandleFunc("GET /v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ocr.JobStatus{
			JobID:  "job-e2e",
			Status: "completed",
			Fields: []domain.ExtractedField{
				{Name: "full_name", Value: "Jordan Doe", Confidence: 0.997},
				{Name: "document_number", Value: "AB-123", Confidence: 0.995},
			},
		})
	})
	return httptest.NewServer(mux)
}

// subscriberEndpoint records deliveries and answers 200.
type subscriberEndpoint struct {
	mu         sync.Mutex
	signatures []string
	bodies     [][]byte
}

func (s *subscriberEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.signatures = append(s.signatures, r.Header.Get("X-Webhook-Signature"))
		s.bodies = append(s.bodies, body)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func TestPipeline_HappyPathToCompleted(t *testing.T) {
	ocrServer := newOCRProvider(t)
	defer ocrServer.Close()

	emrMux := http.NewServeMux()
	emrMux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	emrMux.HandleFunc("POST /fhir/Patient", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "emr-patient-1"})
	})
	emrServer := httptest.NewServer(emrMux)
	defer emrServer.Close()

	subscriber := &subscriberEndpoint{}
	subServer := httptest.NewServer(subscriber.handler())
	defer subServer.Close()

	world := newPipelineWorld(t, ocrServer.URL, emrServer.URL+"/fhir", emrServer.URL+"/token")
	ctx := context.Background()

	const secret = "whsec_e2e"
	require.NoError(t, world.subs.Save(ctx, domain.WebhookSubscription{
		ID:         "sub-e2e",
		TargetURL:  subServer.URL,
		Secret:     secret,
		EventTypes: []string{string(domain.EventEnrollmentCompleted)},
		Active:     true,
		CreatedAt:  time.Now(),
	}))

	enrollment, err := world.orch.CreateEnrollment(ctx, domain.EnrollmentMetadata{
		Personal:     map[string]string{"family_name": "Doe"},
		ConsentGiven: true,
	}, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDraft, enrollment.Status)

	require.NoError(t, world.orch.Advance(ctx, enrollment.ID))

	// Upload triggers the OCR stage inline; the provider completes above
	// threshold so the enrollment moves on by itself.
	_, err = world.orch.AddDocument(ctx, enrollment.ID, domain.DocTypeIdentity, "s3://docs/id.pdf", "application/pdf", 1024)
	require.NoError(t, err)

	current, err := world.orch.Get(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusHealthDeclarationPending, current.Status)

	_, err = world.orch.SubmitHealthDeclaration(ctx, enrollment.ID, domain.HealthRecord{
		BirthDate:  "1990-04-02",
		Gender:     "female",
		FamilyName: "Doe",
		GivenName:  "Jordan",
	})
	require.NoError(t, err)
	require.NoError(t, world.orch.VerifyHealthRecord(ctx, enrollment.ID))

	require.NoError(t, world.orch.Advance(ctx, enrollment.ID)) // -> interview_scheduled
	require.NoError(t, world.orch.Advance(ctx, enrollment.ID)) // -> interview_completed
	require.NoError(t, world.orch.Advance(ctx, enrollment.ID)) // transmit -> completed

	final, err := world.orch.Get(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)

	// Exactly one signed delivery reached the subscriber.
	subscriber.mu.Lock()
	defer subscriber.mu.Unlock()
	require.Len(t, subscriber.bodies, 1)

	var envelope webhook.Envelope
	require.NoError(t, json.Unmarshal(subscriber.bodies[0], &envelope))
	assert.Equal(t, string(domain.EventEnrollmentCompleted), envelope.WebhookEvent.EventType)
	require.NoError(t, webhook.Verify(secret, subscriber.signatures[0], envelope.WebhookEvent.Payload, time.Now(), 5*time.Minute))

	ledger, err := world.attempts.ListBySubscription(ctx, "sub-e2e", 10)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, domain.AttemptSuccess, ledger[0].Outcome)
	assert.Equal(t, 1, ledger[0].Attempt)
}

func TestPipeline_EMROutageFallsBackWithoutTrippingBreaker(t *testing.T) {
	ocrServer := newOCRProvider(t)
	defer ocrServer.Close()

	var emrPosts int
	emrMux := http.NewServeMux()
	emrMux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	emrMux.HandleFunc("POST /fhir/Patient", func(w http.ResponseWriter, r *http.Request) {
		emrPosts++
		w.WriteHeader(http.StatusInternalServerError)
	})
	emrServer := httptest.NewServer(emrMux)
	defer emrServer.Close()

	world := newPipelineWorld(t, ocrServer.URL, emrServer.URL+"/fhir", emrServer.URL+"/token")
	ctx := context.Background()

	now := time.Now()
	enrollment := domain.Enrollment{
		ID:                "enr-outage",
		Status:            domain.StatusInterviewCompleted,
		Metadata:          domain.EnrollmentMetadata{ConsentGiven: true},
		RequiredDocuments: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, world.enrollments.Save(ctx, enrollment))
	require.NoError(t, world.records.Save(ctx, domain.HealthRecord{
		ID:           "rec-outage",
		EnrollmentID: enrollment.ID,
		FamilyName:   "Doe",
		GivenName:    "Jordan",
		Verified:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))

	require.NoError(t, world.runner.EnqueueTransmission(ctx, enrollment.ID))

	// Transmission budget exhausts at three attempts; the breaker threshold
	// is five, so the circuit never opens.
	assert.Equal(t, 3, emrPosts)
	breaker := world.breakers.For("emr")
	assert.Equal(t, circuit.StateClosed, breaker.State())
	assert.EqualValues(t, 3, breaker.Failures())
	assert.True(t, breaker.Allow())

	final, err := world.orch.Get(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDocumentsPending, final.Status)
}
