package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter implements a per-key sliding window in process memory.
// The timestamp list avoids fixed-window boundary bursts.
type MemoryLimiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemoryLimiter creates a sliding-window limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.Limit <= 0 {
		cfg = DefaultConfig()
	}
	return &MemoryLimiter{
		cfg:     cfg,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow consumes one slot when capacity remains in the trailing window.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	stamps := l.windows[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.cfg.Limit {
		l.windows[key] = kept
		return false, nil
	}
	l.windows[key] = append(kept, now)
	return true, nil
}

var _ Limiter = (*MemoryLimiter)(nil)
