package domain

import "time"

// WebhookSubscription is external configuration managed by an admin
// collaborator. The pipeline only reads it.
type WebhookSubscription struct {
	ID         string    `json:"id"`
	TargetURL  string    `json:"target_url"`
	Secret     string    `json:"-"`
	EventTypes []string  `json:"event_types"`
	Active     bool      `json:"active"`
	Flagged    bool      `json:"flagged"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subscribed reports whether the subscription wants the given event type.
func (s WebhookSubscription) Subscribed(eventType string) bool {
	for _, et := range s.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// AttemptOutcome is the terminal classification of one delivery attempt.
type AttemptOutcome string

const (
	AttemptPending         AttemptOutcome = "pending"
	AttemptSuccess         AttemptOutcome = "success"
	AttemptFailedRetryable AttemptOutcome = "failed_retryable"
	AttemptFailedTerminal  AttemptOutcome = "failed_terminal"
)

// WebhookDeliveryAttempt is one row in the append-only delivery ledger.
// Rows are never updated in place; a retry produces a new row with a higher
// attempt number.
type WebhookDeliveryAttempt struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Payload        []byte         `json:"payload"`
	Signature      string         `json:"signature"`
	Attempt        int            `json:"attempt"`
	StatusCode     int            `json:"status_code,omitempty"`
	Outcome        AttemptOutcome `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
