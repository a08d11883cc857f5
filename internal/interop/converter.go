// Package interop maps internal health records into the standardized
// clinical resource format exchanged with external medical-record systems.
//
// Sensitive fields are sealed individually through the fieldcrypt codec so a
// reader with access to the resource can decrypt only the fields it needs.
package interop

import (
	"encoding/json"
	"fmt"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/platform/fieldcrypt"
)

// Supported resource kinds. The set is fixed; anything else is rejected
// before conversion starts.
const (
	KindPatient             = "Patient"
	KindCondition           = "Condition"
	KindMedicationStatement = "MedicationStatement"
)

// HumanName carries an encrypted patient name.
type HumanName struct {
	Family string   `json:"family"`
	Given  []string `json:"given"`
}

// PatientResource is the demographics resource. Name parts and birth date
// are always ciphertext.
type PatientResource struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Name         []HumanName `json:"name"`
	BirthDate    string      `json:"birthDate"`
	Gender       string      `json:"gender,omitempty"`
}

// ClinicalEntry is one coded condition or medication line. Display is
// ciphertext when the source entry was marked sensitive.
type ClinicalEntry struct {
	Code      string `json:"code,omitempty"`
	Display   string `json:"display"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// EntryListResource is the list-shaped resource used for conditions and
// medication statements.
type EntryListResource struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Subject      string          `json:"subject"`
	Entries      []ClinicalEntry `json:"entries"`
}

// Converter builds and validates interoperability resources.
type Converter struct {
	codec *fieldcrypt.Codec
}

// NewConverter creates a converter backed by the shared field codec.
func NewConverter(codec *fieldcrypt.Codec) *Converter {
	return &Converter{codec: codec}
}

// Convert maps a health record to the named resource kind. The output shape
// is deterministic for a given input; ciphertext bytes differ run to run
// because every seal uses a fresh nonce.
func (c *Converter) Convert(record domain.HealthRecord, kind string) (json.RawMessage, error) {
	switch kind {
	case KindPatient:
		return c.convertPatient(record)
	case KindCondition:
		return c.convertEntries(record, kind, record.Conditions)
	case KindMedicationStatement:
		return c.convertEntries(record, kind, record.Medications)
	default:
		return nil, errors.Validation(errors.CodeUnsupportedResourceKind,
			fmt.Sprintf("unsupported resource kind %q", kind))
	}
}

func (c *Converter) convertPatient(record domain.HealthRecord) (json.RawMessage, error) {
	family, err := c.codec.Encrypt(record.FamilyName)
	if err != nil {
		return nil, fmt.Errorf("encrypt family name: %w", err)
	}
	given, err := c.codec.Encrypt(record.GivenName)
	if err != nil {
		return nil, fmt.Errorf("encrypt given name: %w", err)
	}
	birthDate, err := c.codec.Encrypt(record.BirthDate)
	if err != nil {
		return nil, fmt.Errorf("encrypt birth date: %w", err)
	}

	resource := PatientResource{
		ResourceType: KindPatient,
		ID:           record.ID,
		Name:         []HumanName{{Family: family, Given: []string{given}}},
		BirthDate:    birthDate,
		Gender:       record.Gender,
	}
	return json.Marshal(resource)
}

func (c *Converter) convertEntries(record domain.HealthRecord, kind string, entries []domain.HealthEntry) (json.RawMessage, error) {
	out := make([]ClinicalEntry, 0, len(entries))
	for _, entry := range entries {
		converted := ClinicalEntry{Code: entry.Code, Display: entry.Display}
		if entry.Sensitive {
			sealed, err := c.codec.Encrypt(entry.Display)
			if err != nil {
				return nil, fmt.Errorf("encrypt entry display: %w", err)
			}
			converted.Display = sealed
			converted.Encrypted = true
		}
		out = append(out, converted)
	}

	resource := EntryListResource{
		ResourceType: kind,
		ID:           record.ID,
		Subject:      record.EnrollmentID,
		Entries:      out,
	}
	return json.Marshal(resource)
}

// Validate runs the structural check for a resource of the named kind: the
// resource-kind tag must match, required fields must be present, and field
// types must conform. A nil return means the resource may be transmitted.
func (c *Converter) Validate(resource json.RawMessage, kind string) error {
	switch kind {
	case KindPatient:
		return validatePatient(resource)
	case KindCondition, KindMedicationStatement:
		return validateEntryList(resource, kind)
	default:
		return errors.Validation(errors.CodeUnsupportedResourceKind,
			fmt.Sprintf("unsupported resource kind %q", kind))
	}
}

func validatePatient(resource json.RawMessage) error {
	var p PatientResource
	if err := json.Unmarshal(resource, &p); err != nil {
		return errors.Validation(errors.CodeResourceInvalid, "resource is not valid JSON for Patient")
	}
	if p.ResourceType != KindPatient {
		return errors.Validation(errors.CodeResourceInvalid,
			fmt.Sprintf("resourceType %q does not match kind %q", p.ResourceType, KindPatient))
	}
	if p.ID == "" {
		return errors.Validation(errors.CodeResourceInvalid, "patient resource missing id")
	}
	if len(p.Name) == 0 {
		return errors.Validation(errors.CodeResourceInvalid, "patient resource missing name")
	}
	for _, n := range p.Name {
		if n.Family == "" || len(n.Given) == 0 {
			return errors.Validation(errors.CodeResourceInvalid, "patient name missing family or given parts")
		}
	}
	if p.BirthDate == "" {
		return errors.Validation(errors.CodeResourceInvalid, "patient resource missing birthDate")
	}
	return nil
}

func validateEntryList(resource json.RawMessage, kind string) error {
	var l EntryListResource
	if err := json.Unmarshal(resource, &l); err != nil {
		return errors.Validation(errors.CodeResourceInvalid,
			fmt.Sprintf("resource is not valid JSON for %s", kind))
	}
	if l.ResourceType != kind {
		return errors.Validation(errors.CodeResourceInvalid,
			fmt.Sprintf("resourceType %q does not match kind %q", l.ResourceType, kind))
	}
	if l.ID == "" || l.Subject == "" {
		return errors.Validation(errors.CodeResourceInvalid,
			fmt.Sprintf("%s resource missing id or subject", kind))
	}
	if l.Entries == nil {
		return errors.Validation(errors.CodeResourceInvalid,
			fmt.Sprintf("%s resource missing entries", kind))
	}
	for _, e := range l.Entries {
		if e.Display == "" {
			return errors.Validation(errors.CodeResourceInvalid,
				fmt.Sprintf("%s entry missing display", kind))
		}
	}
	return nil
}

// Decrypt opens one sealed field value for minimal-disclosure reads.
func (c *Converter) Decrypt(value string) (string, error) {
	return c.codec.Decrypt(value)
}
