package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from EnrollmentStatus
		to   EnrollmentStatus
		want bool
	}{
		{"draft to documents_pending", StatusDraft, StatusDocumentsPending, true},
		{"draft to withdrawn", StatusDraft, StatusWithdrawn, true},
		{"draft skips to interview", StatusDraft, StatusInterviewScheduled, false},
		{"documents to health declaration", StatusDocumentsPending, StatusHealthDeclarationPending, true},
		{"health declaration to interview", StatusHealthDeclarationPending, StatusInterviewScheduled, true},
		{"health declaration recovers", StatusHealthDeclarationPending, StatusDocumentsPending, true},
		{"interview scheduled recovers", StatusInterviewScheduled, StatusDocumentsPending, true},
		{"interview completed to completed", StatusInterviewCompleted, StatusCompleted, true},
		{"completed is terminal", StatusCompleted, StatusWithdrawn, false},
		{"withdrawn is terminal", StatusWithdrawn, StatusDraft, false},
		{"no backwards skip", StatusInterviewCompleted, StatusHealthDeclarationPending, false},
		{"self transition rejected", StatusDraft, StatusDraft, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusWithdrawn))
	assert.False(t, IsTerminal(StatusDraft))
	assert.False(t, IsTerminal(StatusInterviewCompleted))
}

func TestRecoveryStatus(t *testing.T) {
	assert.Equal(t, StatusDocumentsPending, RecoveryStatus(StatusHealthDeclarationPending))
	assert.Equal(t, StatusDocumentsPending, RecoveryStatus(StatusInterviewScheduled))
	assert.Equal(t, StatusDocumentsPending, RecoveryStatus(StatusInterviewCompleted))
	// No recovery edge from terminal or initial states: recovery must never
	// advance an enrollment that has no in-flight stage.
	assert.Equal(t, StatusCompleted, RecoveryStatus(StatusCompleted))
	assert.Equal(t, StatusWithdrawn, RecoveryStatus(StatusWithdrawn))
	assert.Equal(t, StatusDraft, RecoveryStatus(StatusDraft))
	assert.Equal(t, StatusDocumentsPending, RecoveryStatus(StatusDocumentsPending))
}

func TestAggregateConfidence(t *testing.T) {
	tests := []struct {
		name   string
		fields []ExtractedField
		want   float64
	}{
		{"no fields", nil, 0},
		{"single field", []ExtractedField{{Name: "name", Confidence: 0.92}}, 0.92},
		{
			"minimum wins",
			[]ExtractedField{
				{Name: "name", Confidence: 0.99},
				{Name: "dob", Confidence: 0.41},
				{Name: "id_number", Confidence: 0.88},
			},
			0.41,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AggregateConfidence(tt.fields), 1e-9)
		})
	}
}

func TestSubscriptionSubscribed(t *testing.T) {
	sub := WebhookSubscription{EventTypes: []string{"ENROLLMENT_COMPLETED", "DOCUMENT_PROCESSED"}}
	assert.True(t, sub.Subscribed("DOCUMENT_PROCESSED"))
	assert.False(t, sub.Subscribed("ENROLLMENT_WITHDRAWN"))
}

func TestEventDispatcher(t *testing.T) {
	t.Run("all handlers run even when one fails", func(t *testing.T) {
		d := NewEventDispatcher()
		var calls []string
		d.Register(EventDocumentProcessed, func(ctx context.Context, e *DomainEvent) error {
			calls = append(calls, "first")
			return errors.Terminal(nil, "HANDLER_BOOM", "boom")
		})
		d.Register(EventDocumentProcessed, func(ctx context.Context, e *DomainEvent) error {
			calls = append(calls, "second")
			return nil
		})

		err := d.Dispatch(context.Background(), &DomainEvent{
			EventID:   "evt-1",
			EventType: EventDocumentProcessed,
		})
		require.Error(t, err)
		assert.Equal(t, []string{"first", "second"}, calls)
	})

	t.Run("no handlers is not an error", func(t *testing.T) {
		d := NewEventDispatcher()
		err := d.Dispatch(context.Background(), &DomainEvent{
			EventID:   "evt-2",
			EventType: EventEnrollmentWithdrawn,
		})
		assert.NoError(t, err)
	})
}
