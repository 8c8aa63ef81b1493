// Package resilience wraps event log and store I/O with a circuit breaker,
// jittered exponential retry and a hard deadline.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling through while the breaker
// rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

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
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CircuitBreakerConfig controls when the breaker trips and how it recovers.
// Zero values take the defaults noted per field.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting a
	// probe. Default 30s.
	ResetTimeout time.Duration
	// HalfOpenMaxRequests caps concurrent probes while half-open. Default 1.
	HalfOpenMaxRequests int
	// IsFailure decides whether an error counts against the breaker. By
	// default every error does except context cancellation.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, state State)
}

type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	pending  []State
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
		now:    time.Now,
	}
}

// Execute calls fn when the breaker admits the request and records the
// outcome. A rejected request returns an error wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.inFlight = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	changes := cb.drain()
	cb.mu.Unlock()
	cb.notify(changes)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	var err error
	switch cb.state {
	case StateOpen:
		wait := cb.cfg.ResetTimeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			err = fmt.Errorf("%w: %s, retry in %v", ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
			break
		}
		cb.transition(StateHalfOpen)
		cb.inFlight = 1
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.HalfOpenMaxRequests {
			err = fmt.Errorf("%w: %s, probe in flight", ErrCircuitOpen, cb.name)
			break
		}
		cb.inFlight++
	}
	changes := cb.drain()
	cb.mu.Unlock()
	cb.notify(changes)
	return err
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	failed := err != nil && cb.cfg.IsFailure(err)
	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			break
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
			cb.logger.Warn("circuit opened", "consecutive_failures", cb.failures, "error", err)
		}
	case StateHalfOpen:
		cb.inFlight--
		if failed {
			cb.open()
			cb.logger.Warn("probe failed, circuit re-opened", "error", err)
			break
		}
		if err == nil {
			cb.failures = 0
			cb.inFlight = 0
			cb.transition(StateClosed)
			cb.logger.Info("circuit closed")
		}
	}
	changes := cb.drain()
	cb.mu.Unlock()
	cb.notify(changes)
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.inFlight = 0
	cb.transition(StateOpen)
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.pending = append(cb.pending, to)
}

func (cb *CircuitBreaker) drain() []State {
	changes := cb.pending
	cb.pending = nil
	return changes
}

func (cb *CircuitBreaker) notify(changes []State) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, s := range changes {
		cb.cfg.OnStateChange(cb.name, s)
	}
}
