// Package emr sends and fetches interoperability resources to and from the
// external medical-record system. Every call runs behind the shared "emr"
// circuit breaker; reads are cached with a short TTL.
package emr

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"carelink.io/carelink/internal/config"
	"carelink.io/carelink/internal/pkg/errors"
	"carelink.io/carelink/internal/pkg/logger"
	"carelink.io/carelink/internal/platform/cache"
	"carelink.io/carelink/internal/platform/circuit"
	"carelink.io/carelink/internal/platform/metrics"
)

const contentType = "application/fhir+json"

// breakerTarget is the shared breaker key; retries and reads count against
// the same target so breaker state reflects true external health.
const breakerTarget = "emr"

// Validator is the structural gate applied before any transmission.
type Validator interface {
	Validate(resource json.RawMessage, kind string) error
}

// Client is the EMR transmission client.
type Client struct {
	cfg       config.EMRConfig
	validator Validator
	breakers  *circuit.Registry
	cache     cache.Cache
	metrics   *metrics.Metrics
	http      *http.Client
	tokens    *tokenSource
}

// NewClient wires the transmission client.
func NewClient(
	cfg config.EMRConfig,
	validator Validator,
	breakers *circuit.Registry,
	readCache cache.Cache,
	m *metrics.Metrics,
) *Client {
	if m == nil {
		m = metrics.NewNop()
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &Client{
		cfg:       cfg,
		validator: validator,
		breakers:  breakers,
		cache:     readCache,
		metrics:   m,
		http:      httpClient,
		tokens:    newTokenSource(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, httpClient),
	}
}

type createResponse struct {
	ID string `json:"id"`
}

// Send validates the resource and posts it to the kind-scoped path. Success
// requires a creation-acknowledged response; everything else is a failure
// counted against the breaker.
func (c *Client) Send(ctx context.Context, resource json.RawMessage, kind string) (string, error) {
	if err := c.validator.Validate(resource, kind); err != nil {
		return "", err
	}

	breaker := c.breakers.For(breakerTarget)
	if !breaker.Allow() {
		c.metrics.EMRRequests.WithLabelValues("send", "circuit_open").Inc()
		return "", errors.CircuitOpen(breakerTarget)
	}

	body, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/"+kind, resource, http.StatusCreated)
	if err != nil {
		c.recordFailure("send", breaker)
		return "", err
	}
	breaker.RecordSuccess()
	c.metrics.EMRRequests.WithLabelValues("send", "success").Inc()

	var out createResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode emr create response: %w", err)
	}
	return out.ID, nil
}

// Fetch reads resources of a kind for a query. Responses are cached for the
// configured TTL keyed by kind plus a query fingerprint; the breaker applies
// equally to reads.
func (c *Client) Fetch(ctx context.Context, kind, query string) (json.RawMessage, error) {
	key := cacheKey(kind, query)
	if cached, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		c.metrics.EMRRequests.WithLabelValues("fetch", "cache_hit").Inc()
		return cached, nil
	}

	breaker := c.breakers.For(breakerTarget)
	if !breaker.Allow() {
		c.metrics.EMRRequests.WithLabelValues("fetch", "circuit_open").Inc()
		return nil, errors.CircuitOpen(breakerTarget)
	}

	url := c.cfg.BaseURL + "/" + kind
	if query != "" {
		url += "?" + query
	}
	body, err := c.do(ctx, http.MethodGet, url, nil, http.StatusOK)
	if err != nil {
		c.recordFailure("fetch", breaker)
		return nil, err
	}
	breaker.RecordSuccess()
	c.metrics.EMRRequests.WithLabelValues("fetch", "success").Inc()

	if err := c.cache.Set(ctx, key, body, c.cfg.ReadCacheTTL); err != nil {
		logger.Warn("Failed to cache emr read", zap.String("kind", kind), zap.Error(err))
	}
	return body, nil
}

// do issues one authenticated request and classifies the response.
func (c *Client) do(ctx context.Context, method, url string, body []byte, wantStatus int) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build emr request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Retryable(err, errors.CodeEMRUnavailable, "emr request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Retryable(err, errors.CodeEMRUnavailable, "read emr response")
	}

	if resp.StatusCode != wantStatus {
		return nil, classifyEMRStatus(resp.StatusCode)
	}
	return payload, nil
}

// classifyEMRStatus maps EMR HTTP status codes to the error taxonomy.
func classifyEMRStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return errors.Retryable(nil, errors.CodeEMRUnavailable,
			fmt.Sprintf("emr endpoint unavailable (status %d)", code))
	default:
		return errors.Terminal(nil, errors.CodeEMRRejected,
			fmt.Sprintf("emr endpoint rejected request (status %d)", code))
	}
}

func (c *Client) recordFailure(operation string, breaker *circuit.Breaker) {
	if opened := breaker.RecordFailure(); opened {
		c.metrics.BreakerOpens.WithLabelValues(breakerTarget).Inc()
		logger.Warn("EMR circuit breaker opened", zap.Int64("failures", breaker.Failures()))
	}
	c.metrics.EMRRequests.WithLabelValues(operation, "failure").Inc()
}

// cacheKey fingerprints a query so arbitrarily long queries stay bounded.
func cacheKey(kind, query string) string {
	sum := sha256.Sum256([]byte(query))
	return "emr:" + kind + ":" + hex.EncodeToString(sum[:8])
}
