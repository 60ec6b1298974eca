// Package circuitbreaker wraps pipeline stages in a circuit breaker so a
// failing analyzer or decision backend fails fast instead of cascading.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if service recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors. ErrCircuitOpen and ErrTooManyRequests are rejections —
// the wrapped operation was never invoked. ErrCallTimeout counts as an
// operation failure.
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
	ErrCallTimeout     = errors.New("operation timed out inside circuit breaker")
)

// IsRejection reports whether err means the breaker refused without
// invoking the operation.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests)
}

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from closed to open.
	FailureThreshold int

	// ResetTimeout is the period of open state before switching to half-open
	ResetTimeout time.Duration

	// HalfOpenMax bounds both concurrent probes admitted in half-open state
	// and the successes required to close again.
	HalfOpenMax int

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns a reasonable default configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMax:      3,
		OnStateChange: func(name string, from State, to State) {
			slog.Info("[CircuitBreaker] State change", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

// ============================================================================
// SNAPSHOT
// ============================================================================

// Transition records one state change for forensics.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	Name             string       `json:"name"`
	State            string       `json:"state"`
	Failures         int          `json:"failures"`
	Successes        int          `json:"successes"`
	LastFailure      time.Time    `json:"last_failure"`
	LastSuccess      time.Time    `json:"last_success"`
	HalfOpenInFlight int          `json:"half_open_in_flight"`
	Transitions      []Transition `json:"transitions"`
}

const transitionRingSize = 32

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker implements the closed → open → half-open state machine.
type CircuitBreaker struct {
	cfg *Config

	mu               sync.Mutex
	state            State
	failures         int // consecutive failures in closed state
	successes        int // successes in half-open state
	halfOpenInFlight int
	lastFailure      time.Time
	lastSuccess      time.Time
	openedAt         time.Time
	transitions      []Transition
}

// New creates a new circuit breaker
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state, advancing open → half-open if the reset
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Call runs op bounded by timeout. In open state it rejects immediately with
// ErrCircuitOpen. In half-open it admits at most HalfOpenMax concurrent
// probes. A timeout counts as a failure.
func (cb *CircuitBreaker) Call(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	opCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in wrapped operation: %v", r)
			}
		}()
		done <- op(opCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-opCtx.Done():
		err = ErrCallTimeout
	}

	cb.afterRequest(err == nil)
	return err
}

// Snapshot returns a copy of the breaker's observable state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(time.Now())
	trans := make([]Transition, len(cb.transitions))
	copy(trans, cb.transitions)
	return Snapshot{
		Name:             cb.cfg.Name,
		State:            state.String(),
		Failures:         cb.failures,
		Successes:        cb.successes,
		LastFailure:      cb.lastFailure,
		LastSuccess:      cb.lastSuccess,
		HalfOpenInFlight: cb.halfOpenInFlight,
		Transitions:      trans,
	}
}

// beforeRequest admits or rejects the request.
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenInFlight++
	}
	return nil
}

// afterRequest records the outcome.
func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)

	if state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if success {
		cb.lastSuccess = now
		switch state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMax {
				cb.setState(StateClosed, now)
			}
		}
		return
	}

	cb.lastFailure = now
	switch state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Any half-open failure reopens regardless of success count.
		cb.setState(StateOpen, now)
	}
}

// currentState advances open → half-open when the reset timeout elapses.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// setState changes state and notifies. Caller must hold cb.mu; handlers
// must not call back into the breaker.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state

	switch state {
	case StateOpen:
		cb.openedAt = now
		cb.successes = 0
		cb.halfOpenInFlight = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.halfOpenInFlight = 0
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	}

	cb.transitions = append(cb.transitions, Transition{From: prev, To: state, At: now})
	if len(cb.transitions) > transitionRingSize {
		cb.transitions = cb.transitions[len(cb.transitions)-transitionRingSize:]
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// String implements fmt.Stringer for CircuitBreaker
func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, failures=%d]",
		cb.cfg.Name, cb.state, cb.failures)
}
