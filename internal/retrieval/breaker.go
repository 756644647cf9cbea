package retrieval

import (
	"time"
)

// BreakerState is a point-in-time copy of the breaker's state.
type BreakerState struct {
	Failures    int        `json:"failures"`
	Open        bool       `json:"open"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// CircuitBreaker stops calls to the source after maxFailures consecutive
// failures and lets a single probe through once resetTimeout has passed.
// It is not safe for concurrent use; the retrieval loop is its only caller.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	clock        Clock

	failures    int
	lastFailure time.Time
	open        bool
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, clock Clock) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		clock:        clock,
	}
}

// RecordFailure counts a failed call and opens the breaker at the threshold.
// A failed half-open probe lands here too and restarts the cool-down.
func (b *CircuitBreaker) RecordFailure() {
	b.failures++
	b.lastFailure = b.clock.Now()
	if b.failures >= b.maxFailures {
		b.open = true
	}
}

// RecordSuccess closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.failures = 0
	b.lastFailure = time.Time{}
	b.open = false
}

// CanExecute reports whether a call may proceed.
func (b *CircuitBreaker) CanExecute() bool {
	if !b.open {
		return true
	}
	return b.clock.Now().Sub(b.lastFailure) >= b.resetTimeout
}

// IsOpen reports the open flag without applying the half-open rule.
func (b *CircuitBreaker) IsOpen() bool {
	return b.open
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	return b.failures
}

// State returns a copy of the breaker state.
func (b *CircuitBreaker) State() BreakerState {
	state := BreakerState{Failures: b.failures, Open: b.open}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		state.LastFailure = &last
	}
	return state
}
