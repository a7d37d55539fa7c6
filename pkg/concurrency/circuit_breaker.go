package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed indicates the circuit is closed and requests are allowed
	StateClosed CircuitBreakerState = 0

	// StateOpen indicates the circuit is open and requests are refused
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen indicates the circuit is letting requests through to test recovery
	StateHalfOpen CircuitBreakerState = 2
)

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transport failures that opens the circuit
	FailureThreshold int64

	// ResetTimeout is how long the circuit stays open before moving to half-open
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive successes in half-open that closes the circuit
	HalfOpenSuccesses int64
}

// DefaultCircuitBreakerConfig returns the defaults used when a field is zero
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  10,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 5,
	}
}

// CircuitBreaker stops new requests after a run of transport failures so a dead
// upstream is not hammered by every fan-out branch.
type CircuitBreaker struct {
	state                int32 // atomic: CircuitBreakerState
	consecutiveFailures  int64 // atomic
	consecutiveSuccesses int64 // atomic
	lastFailureTime      int64 // atomic: Unix nano timestamp
	config               CircuitBreakerConfig
	now                  func() time.Time
	mu                   sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker with the specified threshold and timeout
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CircuitBreakerConfig{
		FailureThreshold: failureThreshold,
		ResetTimeout:     resetTimeout,
	})
}

// NewCircuitBreakerWithConfig creates a circuit breaker, filling zero fields with defaults
func NewCircuitBreakerWithConfig(config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = defaults.HalfOpenSuccesses
	}

	return &CircuitBreaker{
		state:  int32(StateClosed),
		config: config,
		now:    time.Now,
	}
}

// IsOpen returns true if the circuit breaker is currently refusing requests.
// An open circuit whose reset timeout has elapsed moves to half-open.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb.GetState() != StateOpen {
		return false
	}

	lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
	if lastFailure > 0 && cb.now().Sub(time.Unix(0, lastFailure)) > cb.config.ResetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	atomic.StoreInt64(&cb.consecutiveFailures, 0)

	if cb.GetState() == StateHalfOpen {
		successes := atomic.AddInt64(&cb.consecutiveSuccesses, 1)
		if successes >= cb.config.HalfOpenSuccesses {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	state := cb.GetState()

	atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt64(&cb.lastFailureTime, cb.now().UnixNano())
	failures := atomic.AddInt64(&cb.consecutiveFailures, 1)

	switch {
	case state == StateClosed && failures >= cb.config.FailureThreshold:
		cb.transitionTo(StateOpen)
	case state == StateHalfOpen:
		// a single failure while probing reopens the circuit
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	return atomic.LoadInt64(&cb.consecutiveFailures)
}

// Config returns the effective configuration
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	return cb.config
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
	atomic.StoreInt64(&cb.consecutiveFailures, 0)
	atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt64(&cb.lastFailureTime, 0)
}

// transitionTo transitions the circuit breaker to a new state
func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.GetState() == newState {
		return
	}

	atomic.StoreInt32(&cb.state, int32(newState))

	switch newState {
	case StateClosed:
		atomic.StoreInt64(&cb.consecutiveFailures, 0)
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	case StateHalfOpen:
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	}
}

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
