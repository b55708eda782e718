// internal/ledger/breaker.go
package ledger

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by store accessors while the breaker is open;
// callers get a fast, classifiable failure instead of a hanging query.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker shields the datastore from load while it is struggling. It
// opens after failureThreshold consecutive failures and closes again once
// resetTimeout has elapsed, with the counter reset so the next query probes
// recovery. One instance is injected per store; it is not process-global.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	resetTimeout     time.Duration
	failures         int
	open             bool
	openedAt         time.Time
}

func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// Allow reports whether a call may proceed. While open it fails fast with
// ErrCircuitOpen until resetTimeout has elapsed, at which point the breaker
// closes with a clean counter and lets the call through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return nil
	}

	if time.Since(cb.openedAt) >= cb.resetTimeout {
		cb.open = false
		cb.failures = 0
		return nil
	}

	return ErrCircuitOpen
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.open = false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.failures >= cb.failureThreshold && !cb.open {
		cb.open = true
		cb.openedAt = time.Now()
	}
}

// State returns "open" or "closed" for health reporting.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open && time.Since(cb.openedAt) < cb.resetTimeout {
		return "open"
	}
	return "closed"
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.failures
}
