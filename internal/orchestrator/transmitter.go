package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/interop"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/storage"
)

// conversionMaxAge bounds reuse of a cached conversion. Anything older is
// rebuilt from the current record so stale ciphertext never ships.
const conversionMaxAge = time.Hour

// EMRSender transmits a validated resource to the external medical-record
// system and returns the remote resource id.
type EMRSender interface {
	Send(ctx context.Context, resource json.RawMessage, kind string) (string, error)
}

// Transmitter runs the conversion and transmission stage for one enrollment:
// convert the verified health record to a Patient resource, then hand it to
// the EMR client.
type Transmitter struct {
	records   storage.HealthRecordStore
	converter *interop.Converter
	sender    EMRSender
	now       func() time.Time
}

// NewTransmitter wires the transmission stage.
func NewTransmitter(records storage.HealthRecordStore, converter *interop.Converter, sender EMRSender) *Transmitter {
	return &Transmitter{records: records, converter: converter, sender: sender, now: time.Now}
}

// Transmit converts and sends the enrollment's health record. The conversion
// is cached on the record so a retried transmission reuses the same resource
// instead of re-sealing every field.
func (t *Transmitter) Transmit(ctx context.Context, enrollmentID string) (string, error) {
	record, err := t.records.FindByEnrollment(ctx, enrollmentID)
	if err != nil {
		return "", errors.NotFound(errors.CodeHealthRecordNotFound,
			fmt.Sprintf("health record for enrollment %s not found", enrollmentID))
	}
	if !record.Verified {
		return "", errors.PreconditionNotMet(errors.CodeStageNotReady,
			fmt.Sprintf("health record for enrollment %s is not verified", enrollmentID))
	}

	resource, err := t.resourceFor(ctx, record)
	if err != nil {
		return "", err
	}

	remoteID, err := t.sender.Send(ctx, resource, interop.KindPatient)
	if err != nil {
		return "", err
	}
	logger.Info("EMR transmission acknowledged",
		zap.String("enrollment_id", enrollmentID),
		zap.String("remote_id", remoteID),
	)
	return remoteID, nil
}

func (t *Transmitter) resourceFor(ctx context.Context, record domain.HealthRecord) (json.RawMessage, error) {
	if c := record.Conversion; c != nil && c.Kind == interop.KindPatient &&
		t.now().Sub(c.ConvertedAt) < conversionMaxAge {
		return c.Resource, nil
	}

	resource, err := t.converter.Convert(record, interop.KindPatient)
	if err != nil {
		return nil, err
	}
	conversion := domain.ConversionCache{
		Resource:    resource,
		Kind:        interop.KindPatient,
		ConvertedAt: t.now(),
	}
	if err := t.records.SaveConversion(ctx, record.ID, conversion); err != nil {
		// Cache write failure is not a stage failure; the resource is valid.
		logger.Warn("Failed to cache conversion",
			zap.String("health_record", record.ID), zap.Error(err))
	}
	return resource, nil
}
