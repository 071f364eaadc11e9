package syncguard

import (
	"context"
	"sync"
	"time"
)

// CircuitBreaker prevents cascading failures when a backend is
// unavailable. Implements the classic three-state pattern:
//
//   - Closed: normal operation, requests pass through
//   - Open: backend is failing, requests fail fast without reaching it
//   - Half-Open: requests are let through to test recovery; the first
//     success closes the circuit, a failure reopens it
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         string // "closed", "open", "half-open"
	onStateChange func(from, to string)
}

// NewCircuitBreaker creates a circuit breaker that opens after
// maxFailures consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        "closed",
	}
}

// WithStateChangeCallback adds a callback for state transitions.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Execute runs fn if the circuit is closed or half-open, returning a
// CodeServiceUnavailable error without calling fn if the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return newError(CodeServiceUnavailable, "", "", newPlainError("circuit breaker is open (state="+cb.State()+")"))
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case "open":
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState("half-open")
			return true
		}
		return false
	case "half-open":
		return true
	default: // closed
		return true
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.failures >= cb.maxFailures && cb.state != "open" {
			cb.setState("open")
		}
		return
	}

	if cb.state == "half-open" {
		cb.setState("closed")
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) setState(newState string) {
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// State returns the current state: "closed", "open", or "half-open".
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually forces the circuit back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState("closed")
}

// Failures returns the current consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// CircuitBreakerBackend decorates a Backend with a CircuitBreaker so
// sustained backend failures fail acquisitions fast instead of letting
// every caller hang on its own timeout against a backend that's already
// down. A tripped circuit is indistinguishable from any other
// CodeServiceUnavailable error to the acquisition engine — it's surfaced
// to the caller exactly like one, without a retry.
type CircuitBreakerBackend struct {
	Backend
	cb *CircuitBreaker
}

// WithCircuitBreaker wraps backend with a circuit breaker that opens
// after maxFailures consecutive errors and probes again after
// resetTimeout.
func WithCircuitBreaker(backend Backend, maxFailures int, resetTimeout time.Duration) *CircuitBreakerBackend {
	return &CircuitBreakerBackend{Backend: backend, cb: NewCircuitBreaker(maxFailures, resetTimeout)}
}

// State exposes the underlying circuit breaker's state for monitoring.
func (c *CircuitBreakerBackend) State() string { return c.cb.State() }

func (c *CircuitBreakerBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (*AcquireResult, Reason, error) {
	var res *AcquireResult
	var reason Reason
	err := c.cb.Execute(ctx, func() error {
		var innerErr error
		res, reason, innerErr = c.Backend.Acquire(ctx, key, ttl)
		return innerErr
	})
	return res, reason, err
}

func (c *CircuitBreakerBackend) Release(ctx context.Context, lockID string) (Reason, error) {
	var reason Reason
	err := c.cb.Execute(ctx, func() error {
		var innerErr error
		reason, innerErr = c.Backend.Release(ctx, lockID)
		return innerErr
	})
	return reason, err
}

func (c *CircuitBreakerBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (*ExtendResult, Reason, error) {
	var res *ExtendResult
	var reason Reason
	err := c.cb.Execute(ctx, func() error {
		var innerErr error
		res, reason, innerErr = c.Backend.Extend(ctx, lockID, ttl)
		return innerErr
	})
	return res, reason, err
}
