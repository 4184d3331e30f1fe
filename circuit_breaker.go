package crawlerkit

import (
	"sync"
	"time"
)

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreaker fails calls fast after a run of consecutive failures,
// letting one call through again once resetTimeout has passed.
//
// Used by SearchIndex so a crawler stops hammering a Solr core that is
// down:
//
//	cb := NewCircuitBreaker(5, 30*time.Second)
//	index.SetCircuitBreaker(cb)
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         string
	trialInFlight bool
	isFailure     func(error) bool
	onStateChange func(from, to string)
}

// NewCircuitBreaker opens after maxFailures consecutive failures. Every
// non-nil error counts unless WithFailureFilter says otherwise.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// WithFailureFilter limits which errors count towards opening. Errors
// that do not count are treated as successes.
func (cb *CircuitBreaker) WithFailureFilter(fn func(error) bool) *CircuitBreaker {
	cb.mu.Lock()
	cb.isFailure = fn
	cb.mu.Unlock()
	return cb
}

// WithStateChangeCallback adds a callback for state transitions.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
	return cb
}

// Execute runs fn unless the circuit is open, in which case it returns a
// connection error without calling fn. While half-open only one call is
// admitted until it settles.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	admitted, trial := cb.allow()
	if !admitted {
		return WithContext(ErrConnection, map[string]interface{}{
			"reason": "circuit breaker is open",
		})
	}

	err := fn()
	cb.recordResult(err, trial)
	return err
}

func (cb *CircuitBreaker) allow() (admitted, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailTime) <= cb.resetTimeout {
			return false, false
		}
		cb.setState(CircuitHalfOpen)
	case CircuitClosed:
		return true, false
	}
	if cb.trialInFlight {
		return false, false
	}
	cb.trialInFlight = true
	return true, true
}

func (cb *CircuitBreaker) recordResult(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}
	if err != nil && (cb.isFailure == nil || cb.isFailure(err)) {
		cb.failures++
		cb.lastFailTime = time.Now()
		// a failed trial call reopens immediately
		if (trial && cb.state == CircuitHalfOpen) || (cb.failures >= cb.maxFailures && cb.state == CircuitClosed) {
			cb.setState(CircuitOpen)
		}
		return
	}

	cb.failures = 0
	if trial && cb.state == CircuitHalfOpen {
		cb.setState(CircuitClosed)
	}
}

func (cb *CircuitBreaker) setState(newState string) {
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil && oldState != newState {
		cb.onStateChange(oldState, newState)
	}
}

// State returns CircuitClosed, CircuitOpen or CircuitHalfOpen.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.trialInFlight = false
	cb.setState(CircuitClosed)
}

// Failures returns the current run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}
