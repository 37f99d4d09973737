package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// StateChangeFunc is called after every state transition, outside the lock
type StateChangeFunc func(name string, from, to State, reason string)

// CircuitBreaker stops calling an unhealthy broker for a cool-down period
// after repeated failures. It never retries: a rejected attempt fails at once
// with an *OpenError.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailureTime  time.Time
	totalRequests    int64
	totalFailures    int64
	totalRejected    int64

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	name             string
	isFailure        func(error) bool
	onStateChange    []StateChangeFunc
	logger           *slog.Logger
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the half-open successes that close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent trial attempts when half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the name used in logs and errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureClassifier decides which errors count against the circuit.
// Context cancellation never counts.
func WithFailureClassifier(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// WithStateChange registers a state change callback
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = append(cb.onStateChange, fn)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 1,
		timeout:          30 * time.Second,
		halfOpenRequests: 1,
		name:             "broker",
		isFailure:        func(err error) bool { return err != nil },
		logger:           slog.Default(),
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	halfOpen, err := cb.acquire()
	if err != nil {
		return err
	}

	err = fn()
	cb.record(halfOpen, err, ctx.Err() != nil)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed, "reset")
	}
}

// acquire admits an attempt, moving an expired open circuit to half-open
func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	cb.totalRequests++

	var transitioned bool
	if cb.state == StateOpen {
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if cb.now().Before(nextRetry) {
			cb.totalRejected++
			err := cb.openError(nextRetry)
			cb.mu.Unlock()
			return false, err
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.halfOpenInFlight = 0
		transitioned = true
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.halfOpenRequests {
			cb.totalRejected++
			err := cb.openError(cb.now())
			cb.mu.Unlock()
			return false, err
		}
		cb.halfOpenInFlight++
		cb.mu.Unlock()
		if transitioned {
			cb.notify(StateOpen, StateHalfOpen, "timeout expired")
		}
		return true, nil
	}

	cb.mu.Unlock()
	return false, nil
}

func (cb *CircuitBreaker) record(halfOpen bool, err error, cancelled bool) {
	cb.mu.Lock()
	if halfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	failed := err != nil && !cancelled && cb.isFailure(err)
	from := cb.state
	var reason string

	switch {
	case failed:
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = cb.now()
		if cb.state == StateHalfOpen {
			cb.state = StateOpen
			reason = "failure while half-open"
		} else if cb.state == StateClosed && cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			reason = fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold)
		}

	case err == nil:
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures = 0
				reason = fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold)
			}
		} else if cb.state == StateClosed {
			cb.failures = 0
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to, reason)
	}
}

// openError must be called with mu held
func (cb *CircuitBreaker) openError(nextRetry time.Time) error {
	return &OpenError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailureTime,
		NextRetry:        nextRetry,
	}
}

func (cb *CircuitBreaker) notify(from, to State, reason string) {
	cb.logger.Warn("circuit breaker state changed",
		"breaker", cb.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
	for _, fn := range cb.onStateChange {
		fn(cb.name, from, to, reason)
	}
}

// Metrics returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state.String(),
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	TotalRequests   int64     `json:"totalRequests"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalRejected   int64     `json:"totalRejected"`
	CurrentFailures int       `json:"currentFailures"`
	LastFailureTime time.Time `json:"lastFailureTime"`
}
