// Package ocr implements the document OCR pipeline: submission to the
// external provider, result polling, and confidence enforcement.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
)

// Provider is the external OCR service seen by the pipeline: async submit,
// then poll until terminal.
type Provider interface {
	Submit(ctx context.Context, doc domain.Document) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (JobStatus, error)
}

// JobStatus is one poll response from the provider.
type JobStatus struct {
	JobID  string                  `json:"job_id"`
	Status string                  `json:"status"` // pending, processing, completed, failed
	Fields []domain.ExtractedField `json:"fields,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Terminal reports whether the provider finished with this job.
func (s JobStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// Client talks to the OCR provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a provider client from configuration.
func NewClient(cfg config.OCRConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type submitRequest struct {
	DocumentRef  string `json:"document_ref"`
	DocumentType string `json:"document_type"`
	ContentType  string `json:"content_type"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit sends a document for asynchronous extraction and returns the
// provider job id.
func (c *Client) Submit(ctx context.Context, doc domain.Document) (string, error) {
	body, err := json.Marshal(submitRequest{
		DocumentRef:  doc.StorageRef,
		DocumentType: string(doc.Type),
		ContentType:  doc.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Retryable(err, errors.CodeOCRProviderFailure, "ocr submit request failed")
	}
	defer resp.Body.Close()

	if err := classifyProviderStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var out submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", errors.Retryable(err, errors.CodeOCRProviderFailure, "decode ocr submit response")
	}
	if out.JobID == "" {
		return "", errors.Terminal(nil, errors.CodeOCRProviderFailure, "ocr provider returned empty job id")
	}
	return out.JobID, nil
}

// Poll fetches the current status of a provider job.
func (c *Client) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return JobStatus{}, errors.Retryable(err, errors.CodeOCRProviderFailure, "ocr poll request failed")
	}
	defer resp.Body.Close()

	if err := classifyProviderStatus(resp.StatusCode); err != nil {
		return JobStatus{}, err
	}

	var out JobStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return JobStatus{}, errors.Retryable(err, errors.CodeOCRProviderFailure, "decode ocr poll response")
	}
	return out, nil
}

// classifyProviderStatus maps provider HTTP status codes to the error
// taxonomy. Throttling and server errors are transient; other 4xx are
// rejections that retrying cannot fix.
func classifyProviderStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return errors.Retryable(nil, errors.CodeOCRThrottled,
			fmt.Sprintf("ocr provider throttled (status %d)", code))
	case code >= 500:
		return errors.Retryable(nil, errors.CodeOCRProviderFailure,
			fmt.Sprintf("ocr provider unavailable (status %d)", code))
	default:
		return errors.Terminal(nil, errors.CodeOCRProviderFailure,
			fmt.Sprintf("ocr provider rejected request (status %d)", code))
	}
}
