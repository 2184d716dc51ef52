// Package resiliency holds failure-isolation primitives shared by outbound
// clients.
package resiliency

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitBreaker opens after threshold consecutive failures and lets a single
// trial call through once resetTimeout has elapsed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        State
	trialing     bool
	clock        func() time.Time
}

// NewCircuitBreaker creates a closed breaker. A threshold of zero or less
// disables it.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow returns nil when a call may proceed.
func (cb *CircuitBreaker) Allow() error {
	if cb.threshold <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock().Sub(cb.lastFailure) < cb.resetTimeout {
			return fmt.Errorf("%w: %s", ErrOpen, cb.name)
		}
		cb.state = StateHalfOpen
		cb.trialing = true
		return nil
	case StateHalfOpen:
		if cb.trialing {
			return fmt.Errorf("%w: %s (trial call in flight)", ErrOpen, cb.name)
		}
		cb.trialing = true
		return nil
	default:
		return nil
	}
}

// Success records a healthy call and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.trialing = false
}

// Failure records a failed call. A failed trial call reopens the breaker.
func (cb *CircuitBreaker) Failure() {
	if cb.threshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
	cb.trialing = false
}
