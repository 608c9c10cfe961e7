// Package circuitbreaker isolates flapping upstream providers. Each provider
// gets its own breaker; after a run of consecutive failures the breaker opens
// and the selector skips that provider until the open window lapses, at which
// point probing traffic is let through until enough successes close it again.
// State is process-local and resets to closed on restart.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of a breaker.
type State int

const (
	// Closed is the normal operating state: the provider is selectable.
	Closed State = iota
	// Open means the provider is quarantined until the open window lapses.
	Open
	// HalfOpen lets probing requests through while counting successes.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold  = 5
	defaultOpenDuration      = 30 * time.Minute
	defaultHalfOpenSuccesses = 2
)

// Breaker is a goroutine-safe circuit breaker for a single provider.
type Breaker struct {
	mu                sync.Mutex
	state             State
	failureCount      int
	halfOpenSuccesses int
	lastFailure       time.Time
	openUntil         time.Time

	failureThreshold int
	openDuration     time.Duration
	successThreshold int
	onStateChange    func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive-failure count that opens the
// breaker. The default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithOpenDuration sets how long the breaker stays open before probing.
// The default is 30 minutes.
func WithOpenDuration(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.openDuration = d
		}
	}
}

// WithSuccessThreshold sets how many half-open successes close the breaker.
// The default is 2.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithOnStateChange registers a callback that fires on every state
// transition. The callback runs while the breaker's mutex is held, so it must
// not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a Breaker in the Closed state.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultFailureThreshold,
		openDuration:     defaultOpenDuration,
		successThreshold: defaultHalfOpenSuccesses,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsOpen reports whether the provider should be skipped. When the open window
// has lapsed, the first call flips the breaker to HalfOpen, resets the
// success counter, and returns false so the probing request goes through.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return false
	}
	if b.nowFunc().Before(b.openUntil) {
		return true
	}
	b.halfOpenSuccesses = 0
	b.setState(HalfOpen)
	return false
}

// RecordSuccess notes a successful upstream call. In HalfOpen it counts
// toward the success quorum and closes the breaker when reached. In Closed it
// clears the consecutive-failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.successThreshold {
			b.reset()
		}
	}
}

// RecordFailure notes a retryable upstream failure or transport error. In
// Closed it opens the breaker when the threshold is reached; in HalfOpen a
// single failure reopens for another full window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.lastFailure = now

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.openUntil = now.Add(b.openDuration)
			b.setState(Open)
		}
	case HalfOpen:
		b.halfOpenSuccesses = 0
		b.openUntil = now.Add(b.openDuration)
		b.setState(Open)
	}
}

// Reset forces the breaker back to Closed, clearing all counters. Backs the
// admin manual-reset endpoint.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// reset clears counters and closes the breaker. Caller must hold b.mu.
func (b *Breaker) reset() {
	b.failureCount = 0
	b.halfOpenSuccesses = 0
	b.openUntil = time.Time{}
	b.setState(Closed)
}

// CurrentState returns the state without evaluating the open window; use
// IsOpen for selection decisions.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker for the admin surface.
type Snapshot struct {
	State             string     `json:"state"`
	FailureCount      int        `json:"failure_count"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
	LastFailure       *time.Time `json:"last_failure_time,omitempty"`
	OpenUntil         *time.Time `json:"open_until,omitempty"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		State:             b.state.String(),
		FailureCount:      b.failureCount,
		HalfOpenSuccesses: b.halfOpenSuccesses,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	if !b.openUntil.IsZero() {
		t := b.openUntil
		s.OpenUntil = &t
	}
	return s
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
