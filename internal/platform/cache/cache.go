// Package cache provides the short-TTL read cache used by the EMR fetch
// path. Entries are keyed by resource kind plus a query fingerprint.
package cache

import (
	"context"
	"time"
)

// Cache stores serialized values with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
