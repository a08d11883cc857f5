package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "carelink.io/carelink/internal/pkg/errors"
)

func retryableErr() error {
	return apperrors.Retryable(errors.New("503"), apperrors.CodeEMRUnavailable, "emr unavailable")
}

func terminalErr() error {
	return apperrors.Terminal(errors.New("422"), apperrors.CodeEMRRejected, "emr rejected resource")
}

func TestWebhookPolicy_DoublingSchedule(t *testing.T) {
	p := WebhookPolicy()

	testCases := []struct {
		attempt int
		retry   bool
		delay   time.Duration
	}{
		{attempt: 1, retry: true, delay: 60 * time.Second},
		{attempt: 2, retry: true, delay: 120 * time.Second},
		{attempt: 3, retry: true, delay: 240 * time.Second},
		{attempt: 4, retry: false},
	}

	for _, tc := range testCases {
		action := p.Next(tc.attempt, retryableErr())
		assert.Equal(t, tc.retry, action.Retry, "attempt %d", tc.attempt)
		if tc.retry {
			assert.Equal(t, tc.delay, action.Delay, "attempt %d", tc.attempt)
		}
	}
}

func TestPolicy_TerminalErrorFailsImmediately(t *testing.T) {
	p := WebhookPolicy()
	action := p.Next(1, terminalErr())
	assert.False(t, action.Retry)
}

func TestOCRPolicy_FixedBackoff(t *testing.T) {
	p := OCRPolicy()

	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		action := p.Next(attempt, retryableErr())
		assert.True(t, action.Retry)
		assert.Equal(t, 60*time.Second, action.Delay)
	}
	assert.False(t, p.Next(p.MaxAttempts, retryableErr()).Retry)
}

func TestPolicy_LowConfidenceConsumesBudget(t *testing.T) {
	p := OCRPolicy()
	err := apperrors.LowConfidence(apperrors.CodeLowConfidence, "confidence 0.91 below threshold 0.99")

	assert.True(t, p.Next(1, err).Retry)
	assert.True(t, p.Next(2, err).Retry)
	assert.False(t, p.Next(3, err).Retry)
}

func TestPolicy_ValidationNeverRetried(t *testing.T) {
	p := OCRPolicy()
	err := apperrors.Validation(apperrors.CodeDocumentInvalid, "unsupported file type")
	assert.False(t, p.Next(1, err).Retry)
}
