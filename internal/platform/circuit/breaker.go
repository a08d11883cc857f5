// Package circuit implements the shared circuit breaker guarding every
// external call the pipeline makes (OCR provider, EMR endpoint, webhook
// targets).
//
// State is kept in lock-free atomics. Concurrent workers record outcomes via
// atomic increments and compare-and-swap transitions, so breaker bookkeeping
// never blocks the calls it is guarding.
package circuit

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker tracks consecutive failures for a single integration target.
//
// Closed: calls pass through, failures are counted.
// Open: calls are rejected without being attempted until cooldown elapses.
// HalfOpen: exactly one trial call is permitted; its outcome decides the
// next state.
type Breaker struct {
	name      string
	threshold int64
	cooldown  time.Duration

	failures atomic.Int64
	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos of the transition to open

	now func() time.Time // test hook
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that opens the circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = int64(n)
		}
	}
}

// WithCooldown sets how long the circuit stays open before a trial call.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// New creates a closed breaker for the named target.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		cooldown:  time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the integration target name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without mutating it.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int64 { return b.failures.Load() }

// Allow reports whether a call to the target may be attempted.
//
// In the open state it returns false until cooldown elapses; the first
// caller to observe an elapsed cooldown wins the CAS into half-open and is
// granted the single trial call. Everyone else keeps getting false until the
// trial resolves.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateHalfOpen:
		// A trial call is already in flight.
		return false
	default: // StateOpen
		openedAt := time.Unix(0, b.openedAt.Load())
		if b.now().Sub(openedAt) < b.cooldown {
			return false
		}
		return b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen))
	}
}

// RecordSuccess records a qualifying success, closing the circuit and
// resetting the failure count.
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	b.state.Store(int32(StateClosed))
}

// RecordFailure records a failed call. Returns true when this failure
// transitioned the breaker to open (for logging/metrics at the edge).
func (b *Breaker) RecordFailure() bool {
	// A failed half-open trial reopens immediately and restarts cooldown.
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		return true
	}

	n := b.failures.Add(1)
	if n >= b.threshold && b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		return true
	}
	return false
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.failures.Store(0)
	b.state.Store(int32(StateClosed))
}

// Registry holds one breaker per integration target, created lazily.
// Keys follow the target naming convention: "ocr", "emr",
// "webhook:<subscription-id>".
type Registry struct {
	breakers  sync.Map // string -> *Breaker
	threshold int
	cooldown  time.Duration
}

// NewRegistry creates a registry with shared default settings.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Registry{threshold: threshold, cooldown: cooldown}
}

// For returns the breaker for the named target, creating it on first use.
func (r *Registry) For(target string) *Breaker {
	if b, ok := r.breakers.Load(target); ok {
		return b.(*Breaker)
	}
	created := New(target, WithThreshold(r.threshold), WithCooldown(r.cooldown))
	actual, _ := r.breakers.LoadOrStore(target, created)
	return actual.(*Breaker)
}
