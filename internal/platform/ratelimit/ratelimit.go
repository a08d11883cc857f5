// Package ratelimit caps outbound calls to external providers with a
// sliding window, independent of circuit breaker state. The OCR provider is
// the primary consumer (default 100 calls/min).
package ratelimit

import (
	"context"
	"time"
)

// Limiter answers whether one more outbound call fits in the window.
type Limiter interface {
	// Allow consumes one slot when the window has capacity. Returns false
	// when the caller must reschedule.
	Allow(ctx context.Context, key string) (bool, error)
}

// Config bounds a sliding window.
type Config struct {
	Limit  int
	Window time.Duration
}

// DefaultConfig caps at 100 calls per minute.
func DefaultConfig() Config {
	return Config{Limit: 100, Window: time.Minute}
}
