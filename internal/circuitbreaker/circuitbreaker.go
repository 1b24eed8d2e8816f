package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the breaker rejects requests.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters. Zero values take defaults: 5 failures to open,
// 2 half-open successes to close, 30s open timeout.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Component        string

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(component string, from, to State)

	// IsFailure decides whether an error counts against the breaker. Defaults to err != nil.
	IsFailure func(err error) bool
}

// CircuitBreaker guards an upstream dependency. Consecutive failures open it; after
// Timeout one probe at a time is let through in half-open state.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
	cfg       Config
	now       func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{state: StateClosed, cfg: cfg, now: time.Now}
}

// Call runs fn if the breaker allows it and records the outcome.
// Returns ErrOpen without calling fn while open.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var from State
	transitioned := false
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		from = cb.state
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.probing = true
		transitioned = true
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.probing = true
	}
	cb.mu.Unlock()
	if transitioned {
		cb.notify(from, StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	from := cb.state
	to := from
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
	if err != nil && cb.cfg.IsFailure(err) {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.failures = 0
			to = StateOpen
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.state = StateClosed
				cb.successes = 0
				to = StateClosed
			}
		}
	}
	cb.mu.Unlock()
	if to != from {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Component, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
