package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
)

func TestInMemoryEnrollmentStoreUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryEnrollmentStore()
	require.NoError(t, store.Save(ctx, domain.Enrollment{ID: "enr-1", Status: domain.StatusDraft}))

	t.Run("matching current status succeeds", func(t *testing.T) {
		err := store.UpdateStatus(ctx, "enr-1", domain.StatusDraft, domain.StatusDocumentsPending)
		require.NoError(t, err)
		e, err := store.FindByID(ctx, "enr-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDocumentsPending, e.Status)
	})

	t.Run("stale expected status is rejected", func(t *testing.T) {
		err := store.UpdateStatus(ctx, "enr-1", domain.StatusDraft, domain.StatusWithdrawn)
		require.Error(t, err)
		appErr, ok := errors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, errors.KindPrecondition, appErr.Kind)
	})

	t.Run("unknown enrollment", func(t *testing.T) {
		err := store.UpdateStatus(ctx, "missing", domain.StatusDraft, domain.StatusWithdrawn)
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestInMemoryDocumentStoreClaim(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryDocumentStore()
	require.NoError(t, store.Save(ctx, domain.Document{
		ID:           "doc-1",
		EnrollmentID: "enr-1",
		Type:         domain.DocTypeIdentity,
		Status:       domain.DocStatusPending,
	}))

	// First claim wins; second sees the status already moved.
	require.NoError(t, store.UpdateStatus(ctx, "doc-1", domain.DocStatusPending, domain.DocStatusProcessing))
	err := store.UpdateStatus(ctx, "doc-1", domain.DocStatusPending, domain.DocStatusProcessing)
	assert.ErrorIs(t, err, errors.ErrAlreadyProcessing)

	require.NoError(t, store.SaveResult(ctx, "doc-1", domain.DocStatusProcessed, &domain.OCRResult{
		Confidence: 0.93,
		Fields:     []domain.ExtractedField{{Name: "name", Value: "A", Confidence: 0.93}},
	}, ""))
	d, err := store.FindByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocStatusProcessed, d.Status)
	require.NotNil(t, d.OCR)
	assert.InDelta(t, 0.93, d.OCR.Confidence, 1e-9)
}

func TestInMemoryDeliveryAttemptStoreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryDeliveryAttemptStore()
	base := time.Now()
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append(ctx, domain.WebhookDeliveryAttempt{
			ID:             string(rune('a' + i)),
			SubscriptionID: "sub-1",
			EventID:        "evt-1",
			Attempt:        i,
			Outcome:        domain.AttemptFailedRetryable,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	attempts, err := store.ListByEvent(ctx, "sub-1", "evt-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Attempt)
	}

	recent, err := store.ListBySubscription(ctx, "sub-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 3, recent[0].Attempt)
}

func TestInMemorySubscriptionStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySubscriptionStore()
	require.NoError(t, store.Save(ctx, domain.WebhookSubscription{ID: "sub-1", Active: true}))
	require.NoError(t, store.Save(ctx, domain.WebhookSubscription{ID: "sub-2", Active: false}))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sub-1", active[0].ID)

	require.NoError(t, store.SetFlagged(ctx, "sub-1", true))
	sub, err := store.FindByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.True(t, sub.Flagged)
}
