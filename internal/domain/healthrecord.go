package domain

import (
	"encoding/json"
	"time"
)

// HealthEntry is one declared condition, medication, or allergy. Sensitive
// entries are encrypted individually by the interoperability converter so a
// single entry can be rotated or redacted on its own.
type HealthEntry struct {
	Code      string `json:"code,omitempty"`
	Display   string `json:"display"`
	Sensitive bool   `json:"sensitive"`
}

// ConversionCache holds the last interoperability resource produced from a
// health record, so an unchanged record is not re-converted per transmission.
type ConversionCache struct {
	Resource    json.RawMessage `json:"resource"`
	Kind        string          `json:"kind"`
	ConvertedAt time.Time       `json:"converted_at"`
}

// HealthRecord belongs to exactly one enrollment.
type HealthRecord struct {
	ID           string           `json:"id"`
	EnrollmentID string           `json:"enrollment_id"`
	BirthDate    string           `json:"birth_date,omitempty"`
	Gender       string           `json:"gender,omitempty"`
	FamilyName   string           `json:"family_name,omitempty"`
	GivenName    string           `json:"given_name,omitempty"`
	Conditions   []HealthEntry    `json:"conditions,omitempty"`
	Medications  []HealthEntry    `json:"medications,omitempty"`
	Allergies    []HealthEntry    `json:"allergies,omitempty"`
	Verified     bool             `json:"verified"`
	Conversion   *ConversionCache `json:"conversion,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
