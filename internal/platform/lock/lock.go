// Package lock provides the short-lived processing lock that keeps at most
// one in-flight operation per (entity, operation kind) pair. Locks are
// TTL-bound and auto-expire so a crashed worker never wedges an enrollment.
package lock

import (
	"context"
	"time"
)

// Locker acquires and releases per-entity processing locks.
type Locker interface {
	// Acquire attempts to take the lock. Returns false when another worker
	// already holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops the lock. Releasing an expired or unheld lock is a no-op.
	Release(ctx context.Context, key string) error
}

// Key builds the canonical lock key for an entity and operation kind,
// e.g. Key("doc-123", "ocr") -> "lock:ocr:doc-123".
func Key(entityID, operation string) string {
	return "lock:" + operation + ":" + entityID
}
