package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/interop"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/platform/fieldcrypt"
	"carelink.io/carelink/internal/storage"
)

type fakeSender struct {
	sent  []json.RawMessage
	kinds []string
	err   error
}

func (s *fakeSender) Send(_ context.Context, resource json.RawMessage, kind string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, resource)
	s.kinds = append(s.kinds, kind)
	return "remote-1", nil
}

func newTransmitterFixture(t *testing.T) (*Transmitter, *storage.InMemoryHealthRecordStore, *fakeSender) {
	t.Helper()
	codec, err := fieldcrypt.NewCodec(bytes.Repeat([]byte("k"), 32), []string{"primary"}, "primary")
	require.NoError(t, err)

	records := storage.NewInMemoryHealthRecordStore()
	sender := &fakeSender{}
	tx := NewTransmitter(records, interop.NewConverter(codec), sender)
	return tx, records, sender
}

func verifiedRecord() domain.HealthRecord {
	return domain.HealthRecord{
		ID:           "rec-1",
		EnrollmentID: "enr-1",
		FamilyName:   "Doe",
		GivenName:    "Jane",
		BirthDate:    "1990-01-01",
		Gender:       "female",
		Verified:     true,
	}
}

func TestTransmitSendsPatientResource(t *testing.T) {
	tx, records, sender := newTransmitterFixture(t)
	ctx := context.Background()
	require.NoError(t, records.Save(ctx, verifiedRecord()))

	remoteID, err := tx.Transmit(ctx, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", remoteID)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, interop.KindPatient, sender.kinds[0])

	var resource interop.PatientResource
	require.NoError(t, json.Unmarshal(sender.sent[0], &resource))
	assert.Equal(t, interop.KindPatient, resource.ResourceType)
	assert.NotEqual(t, "Doe", resource.Name[0].Family, "name must be sealed")

	// The conversion is cached for retries.
	record, err := records.FindByEnrollment(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, record.Conversion)
	assert.Equal(t, interop.KindPatient, record.Conversion.Kind)
}

func TestTransmitReusesFreshConversion(t *testing.T) {
	tx, records, sender := newTransmitterFixture(t)
	ctx := context.Background()
	require.NoError(t, records.Save(ctx, verifiedRecord()))

	_, err := tx.Transmit(ctx, "enr-1")
	require.NoError(t, err)
	_, err = tx.Transmit(ctx, "enr-1")
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	// Same cached bytes: no re-seal between attempts.
	assert.Equal(t, sender.sent[0], sender.sent[1])
}

func TestTransmitRebuildsStaleConversion(t *testing.T) {
	tx, records, sender := newTransmitterFixture(t)
	ctx := context.Background()
	require.NoError(t, records.Save(ctx, verifiedRecord()))

	_, err := tx.Transmit(ctx, "enr-1")
	require.NoError(t, err)

	tx.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = tx.Transmit(ctx, "enr-1")
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	assert.NotEqual(t, sender.sent[0], sender.sent[1], "stale cache must be rebuilt")
}

func TestTransmitRequiresVerifiedRecord(t *testing.T) {
	tx, records, sender := newTransmitterFixture(t)
	ctx := context.Background()
	record := verifiedRecord()
	record.Verified = false
	require.NoError(t, records.Save(ctx, record))

	_, err := tx.Transmit(ctx, "enr-1")
	require.Error(t, err)
	assert.Equal(t, errors.KindPrecondition, errors.KindOf(err))
	assert.Empty(t, sender.sent)
}

func TestTransmitMissingRecord(t *testing.T) {
	tx, _, _ := newTransmitterFixture(t)
	_, err := tx.Transmit(context.Background(), "missing")
	require.Error(t, err)
	appErr, ok := errors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeHealthRecordNotFound, appErr.Code)
}

func TestTransmitPropagatesSenderFailure(t *testing.T) {
	tx, records, sender := newTransmitterFixture(t)
	ctx := context.Background()
	require.NoError(t, records.Save(ctx, verifiedRecord()))
	sender.err = errors.Retryable(nil, errors.CodeEMRUnavailable, "emr down")

	_, err := tx.Transmit(ctx, "enr-1")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}
