// Package circuitbreaker guards chain RPC calls so a dead node fails fast
// instead of stalling every fetch cycle.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/lightningnetwork/lnd/clock"
)

// ErrOpen is returned by Execute while the circuit is open
var ErrOpen = fmt.Errorf("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Circuit is open, requests fail fast
	StateHalfOpen              // Testing if the circuit can be closed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the configuration for a circuit breaker
type Config struct {
	// Name identifies the guarded endpoint in logs
	Name string

	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in half-open state
	// before closing the circuit
	SuccessThreshold int

	// Timeout is how long the circuit stays open before moving to half-open
	Timeout time.Duration

	// IsFailure decides whether an error returned through Execute counts
	// against the circuit. Errors the node answered deliberately, like a
	// rejected transaction, should not. Nil counts every error.
	IsFailure func(error) bool

	// OnStateChange is called when the circuit breaker state changes
	OnStateChange func(from, to State)

	// Clock defaults to the wall clock
	Clock clock.Clock
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu sync.RWMutex

	config Config
	state  State

	// Counters
	consecutiveFailures  int
	consecutiveSuccesses int

	// Timing
	lastFailureTime time.Time
}

// New creates a new circuit breaker with the given configuration
func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.NewDefaultClock()
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

// currentState returns the current state, potentially transitioning from open to half-open
// Must be called with at least a read lock held
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen {
		if cb.config.Clock.Now().Sub(cb.lastFailureTime) >= cb.config.Timeout {
			return StateHalfOpen
		}
	}
	return cb.state
}

// Allow returns true if a request should be allowed through
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	// Half-open lets requests through to probe the node
	return cb.currentState() != StateOpen
}

// Execute runs call if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, call func(ctx context.Context) error) error {
	if !cb.Allow() {
		return fmt.Errorf("%s: %w", cb.config.Name, ErrOpen)
	}

	err := call(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil:
		// The caller gave up; the node is not to blame.
	case cb.config.IsFailure == nil || cb.config.IsFailure(err):
		cb.RecordFailure()
	default:
		cb.RecordSuccess()
	}
	return err
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++

	if cb.currentState() == StateHalfOpen {
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.consecutiveSuccesses = 0
		}
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++
	state := cb.currentState()
	cb.lastFailureTime = cb.config.Clock.Now()

	switch state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.setState(StateOpen)
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.setState(StateClosed)
}

// setState changes the state and calls the callback if configured
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	logger.WithFields(logger.Fields{
		"endpoint":             cb.config.Name,
		"from":                 oldState.String(),
		"to":                   newState.String(),
		"consecutive_failures": cb.consecutiveFailures,
	}).Info("circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		// Call in a goroutine to avoid blocking
		go cb.config.OnStateChange(oldState, newState)
	}
}

// Stats holds a point-in-time view of the breaker
type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
}

// Stats returns the current statistics
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		State:                cb.currentState(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureTime:      cb.lastFailureTime,
	}
}
