package domain

import "time"

// DocumentType drives the confidence threshold applied to OCR output.
type DocumentType string

const (
	DocTypeIdentity       DocumentType = "id_document"
	DocTypeProofOfAddress DocumentType = "proof_of_address"
	DocTypeMedicalReport  DocumentType = "medical_report"
)

// DocumentStatus is the OCR processing lifecycle of a document.
type DocumentStatus string

const (
	DocStatusPending    DocumentStatus = "pending"
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusProcessed  DocumentStatus = "processed"
	DocStatusFailed     DocumentStatus = "failed"
)

// ExtractedField is one OCR line item with its own confidence score.
type ExtractedField struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// OCRResult is the validated outcome of an OCR run. Confidence is the
// minimum across extracted fields: one low-confidence field fails the whole
// document.
type OCRResult struct {
	Confidence float64          `json:"confidence"`
	Fields     []ExtractedField `json:"fields"`
	ProviderID string           `json:"provider_id"`
}

// AggregateConfidence returns the minimum confidence across fields, or 0
// when no fields were extracted.
func AggregateConfidence(fields []ExtractedField) float64 {
	if len(fields) == 0 {
		return 0
	}
	minConf := fields[0].Confidence
	for _, f := range fields[1:] {
		if f.Confidence < minConf {
			minConf = f.Confidence
		}
	}
	return minConf
}

// Document belongs to exactly one enrollment. Created on upload; its status
// is transitioned only by the OCR pipeline.
type Document struct {
	ID           string         `json:"id"`
	EnrollmentID string         `json:"enrollment_id"`
	Type         DocumentType   `json:"type"`
	StorageRef   string         `json:"storage_ref"`
	ContentType  string         `json:"content_type"`
	SizeBytes    int64          `json:"size_bytes"`
	Status       DocumentStatus `json:"status"`
	OCR          *OCRResult     `json:"ocr,omitempty"`
	FailReason   string         `json:"fail_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
