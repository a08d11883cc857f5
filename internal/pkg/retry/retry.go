// Package retry makes stage retry behaviour an explicit, testable policy
// instead of queue-framework magic. Workers feed each failure through a
// Policy and either reschedule after the returned delay or give up.
package retry

import (
	"time"

	apperrors "carelink.io/carelink/internal/pkg/errors"
)

// Action is the outcome of a retry decision.
type Action struct {
	Retry bool
	Delay time.Duration
}

// Fail returns the terminal action.
func Fail() Action {
	return Action{}
}

// After returns a retry action with the given delay.
func After(d time.Duration) Action {
	return Action{Retry: true, Delay: d}
}

// Policy decides whether a failed attempt is rescheduled and when.
// MaxAttempts counts the first attempt, so MaxAttempts=4 permits three
// retries after the initial failure.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	Exponential bool
}

// Next returns the action for a failure of the given 1-based attempt.
// Non-retryable errors fail immediately regardless of remaining budget.
func (p Policy) Next(attempt int, err error) Action {
	if err != nil && !apperrors.IsRetryable(err) {
		return Fail()
	}
	if attempt >= p.MaxAttempts {
		return Fail()
	}
	delay := p.Backoff
	if p.Exponential {
		delay = p.Backoff << (attempt - 1)
	}
	return After(delay)
}

// OCRPolicy: up to 3 attempts, fixed 60s backoff for transient provider
// errors. Low-confidence results share the same budget.
func OCRPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: 60 * time.Second}
}

// EMRPolicy: up to 3 attempts with fixed backoff. Breaker bookkeeping is the
// caller's concern; every attempt failure counts against the shared target.
func EMRPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: 60 * time.Second}
}

// WebhookPolicy: initial attempt plus three retries at 60s, 120s, 240s.
func WebhookPolicy() Policy {
	return Policy{MaxAttempts: 4, Backoff: 60 * time.Second, Exponential: true}
}
