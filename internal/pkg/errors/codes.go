package errors

// Error code constants. Codes carry the machine-readable identity; messages
// stay English-only for logs.

// Enrollment error codes.
const (
	CodeEnrollmentNotFound = "ENROLLMENT_NOT_FOUND"
	CodeIllegalTransition  = "ILLEGAL_STATUS_TRANSITION"
	CodeStageNotReady      = "STAGE_PRECONDITION_NOT_MET"
)

// Document / OCR error codes.
const (
	CodeDocumentNotFound   = "DOCUMENT_NOT_FOUND"
	CodeDocumentInvalid    = "DOCUMENT_INVALID"
	CodeAlreadyProcessing  = "DOCUMENT_ALREADY_PROCESSING"
	CodeLowConfidence      = "OCR_LOW_CONFIDENCE"
	CodeOCRProviderFailure = "OCR_PROVIDER_FAILURE"
	CodeOCRThrottled       = "OCR_PROVIDER_THROTTLED"
	CodeOCRTimeout         = "OCR_POLL_TIMEOUT"
)

// Interoperability / EMR error codes.
const (
	CodeHealthRecordNotFound    = "HEALTH_RECORD_NOT_FOUND"
	CodeUnsupportedResourceKind = "UNSUPPORTED_RESOURCE_KIND"
	CodeResourceInvalid         = "RESOURCE_VALIDATION_FAILED"
	CodeEMRRejected             = "EMR_REJECTED"
	CodeEMRUnavailable          = "EMR_UNAVAILABLE"
)

// Webhook error codes.
const (
	CodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	CodePayloadTooLarge      = "WEBHOOK_PAYLOAD_TOO_LARGE"
	CodeDeliveryRejected     = "WEBHOOK_DELIVERY_REJECTED"
	CodeDeliveryFailed       = "WEBHOOK_DELIVERY_FAILED"
	CodeSignatureInvalid     = "WEBHOOK_SIGNATURE_INVALID"
)

// Shared infrastructure error codes.
const (
	CodeCircuitOpen = "CIRCUIT_OPEN"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL_ERROR"
)
