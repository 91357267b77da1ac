// Package resilience guards calls to collaborators that may fail for a while:
// the conversation store and the upstream session-mint API.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open). Once a
// collaborator has failed [CircuitBreakerConfig.MaxFailures] times in a row,
// further calls are rejected immediately with [ErrCircuitOpen] instead of
// each one waiting for its own timeout. [FallbackGroup] puts a breaker in
// front of each of several interchangeable endpoints and uses the first
// healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast with ErrCircuitOpen
	StateHalfOpen              // a few trials decide whether to close again
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and health output.
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the cool-down before an open breaker admits trials.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax trials are admitted while half-open, and that many
	// successes close the breaker. Default 3.
	HalfOpenMax int

	// OnStateChange runs under the breaker's lock after each transition and
	// must not call back into it.
	OnStateChange func(name string, from, to State)

	// Now defaults to time.Now.
	Now func() time.Time
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker counts consecutive failures of one collaborator and stops
// calling it for a while once they pile up.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive, closed state only
	openedAt time.Time // valid while open
	trials   int       // admitted while half-open
	passed   int       // successful trials
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Execute is [CircuitBreaker.Do] for callers without a context.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.Do(context.Background(), func(context.Context) error { return fn() })
}

// Do runs fn unless the breaker rejects the call with [ErrCircuitOpen]. An
// error caused only by the caller cancelling ctx is not held against the
// collaborator.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil && trial:
		// A concurrent failed trial may already have re-opened the breaker.
		if cb.state == StateHalfOpen {
			cb.passed++
			if cb.passed >= cb.cfg.HalfOpenMax {
				cb.moveTo(StateClosed)
			}
		}
	case err == nil:
		cb.failures = 0
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if trial && cb.state == StateHalfOpen {
			cb.trials--
		}
	case trial:
		cb.moveTo(StateOpen)
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
			slog.Warn("circuit breaker tripped", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
			cb.moveTo(StateOpen)
		}
	}
	return err
}

// admit decides whether a call may proceed and whether it counts as a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
	}
	if cb.state != StateHalfOpen {
		return false, nil
	}
	if cb.trials >= cb.cfg.HalfOpenMax {
		return true, ErrCircuitOpen
	}
	cb.trials++
	return true, nil
}

// moveTo requires cb.mu.
func (cb *CircuitBreaker) moveTo(next State) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	cb.trials, cb.passed = 0, 0
	switch next {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateClosed:
		cb.failures = 0
	}
	slog.Info("circuit breaker state change", "name", cb.cfg.Name, "from", prev.String(), "to", next.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, next)
	}
}

// State reports the breaker's mode. An open breaker past its cool-down
// reports [StateHalfOpen] even though the switch happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(StateClosed)
	cb.failures = 0
}
