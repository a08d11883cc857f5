package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"carelink.io/carelink/internal/api/handlers"
	"carelink.io/carelink/internal/emr"
	"carelink.io/carelink/internal/interop"
	"carelink.io/carelink/internal/jobs"
	"carelink.io/carelink/internal/ocr"
	"carelink.io/carelink/internal/orchestrator"
	"carelink.io/carelink/internal/platform/fieldcrypt"
)

// PipelineModule wires the enrollment pipeline: orchestrator, OCR pipeline,
// interoperability converter, and EMR client, plus their stage workers.
type PipelineModule struct {
	infra       *Infrastructure
	orch        *orchestrator.Orchestrator
	ocrPipeline *ocr.Pipeline
	transmitter *orchestrator.Transmitter
}

// NewPipelineModule creates the pipeline module with explicit constructor
// wiring.
func NewPipelineModule(infra *Infrastructure) (*PipelineModule, error) {
	cfg := infra.Config

	codec, err := fieldcrypt.NewCodec(
		[]byte(cfg.Security.EncryptionKey),
		cfg.Security.FieldKeyIDs,
		cfg.Security.ActiveKeyID,
	)
	if err != nil {
		return nil, fmt.Errorf("init field codec: %w", err)
	}
	converter := interop.NewConverter(codec)

	ocrPipeline := ocr.NewPipeline(
		cfg.OCR,
		infra.Documents,
		infra.Locks,
		infra.Limiter,
		infra.Breakers,
		ocr.NewClient(cfg.OCR),
		infra.Audit,
		infra.Metrics,
	)

	emrClient := emr.NewClient(cfg.EMR, converter, infra.Breakers, infra.Cache, infra.Metrics)
	transmitter := orchestrator.NewTransmitter(infra.Records, converter, emrClient)

	orch := orchestrator.New(
		infra.Enrollments,
		infra.Documents,
		infra.Records,
		infra.Audit,
		infra.Metrics,
		infra.Events,
		infra.Enqueuer,
	)

	return &PipelineModule{
		infra:       infra,
		orch:        orch,
		ocrPipeline: ocrPipeline,
		transmitter: transmitter,
	}, nil
}

// Orchestrator exposes the pipeline state machine to other modules.
func (m *PipelineModule) Orchestrator() *orchestrator.Orchestrator { return m.orch }

func (m *PipelineModule) Name() string { return "pipeline" }

func (m *PipelineModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Orchestrator = m.orch
}

func (m *PipelineModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil || m.infra == nil {
		return
	}
	snooze := m.infra.Config.Breaker.Cooldown
	river.AddWorker(workers, jobs.NewDocumentOCRWorker(
		m.infra.Documents, m.ocrPipeline, m.orch, m.infra.Events, snooze,
	))
	river.AddWorker(workers, jobs.NewEMRTransmitWorker(
		m.infra.Enrollments, m.infra.Records, m.transmitter, m.orch, m.infra.Events, snooze,
	))
}

func (m *PipelineModule) Shutdown(ctx context.Context) error { return nil }
