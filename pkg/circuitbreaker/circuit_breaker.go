// Package circuitbreaker stops calling a failing dependency for a cool-down
// period and then probes it with a limited number of trial calls.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lightfriend/internal/metrics"

	"github.com/sirupsen/logrus"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// CircuitBreaker guards calls to one external dependency.
type CircuitBreaker struct {
	name          string
	maxFailures   uint32
	cooldown      time.Duration
	halfOpenProbe uint32

	mu          sync.Mutex
	state       State
	failures    uint32
	openedAt    time.Time
	inFlight    uint32
	probeOK     uint32
	requests    uint64
	lastFailure time.Time

	logger *logrus.Logger
	now    func() time.Time
}

// New creates a breaker that opens after maxFailures consecutive failures
// and stays open for cooldown.
func New(name string, maxFailures uint32, cooldown time.Duration) *CircuitBreaker {
	return NewWithLogger(name, maxFailures, cooldown, logrus.New())
}

func NewWithLogger(name string, maxFailures uint32, cooldown time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		name:          name,
		maxFailures:   maxFailures,
		cooldown:      cooldown,
		halfOpenProbe: 2,
		state:         StateClosed,
		logger:        logger,
		now:           time.Now,
	}
	cb.publish()
	return cb
}

// Execute runs fn unless the breaker is open. A rejected call returns a
// *CircuitBreakerError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	state, ok := cb.admit()
	if !ok {
		metrics.IncrementCounter("circuit_breaker_rejections_total", map[string]string{"breaker": cb.name}, "Calls rejected by an open circuit breaker")
		return &CircuitBreakerError{Name: cb.name, State: state}
	}

	err := fn(ctx)
	// a cancelled caller says nothing about the dependency
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	if err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) admit() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transition(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		cb.requests++
		return cb.state, true
	case StateHalfOpen:
		if cb.inFlight >= cb.halfOpenProbe {
			return cb.state, false
		}
		cb.inFlight++
		cb.requests++
		return cb.state, true
	default:
		return cb.state, false
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probeOK++
		if cb.probeOK >= cb.halfOpenProbe {
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.inFlight = 0
	cb.probeOK = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	cb.publish()

	entry := cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from":            from.String(),
		"state":           to.String(),
		"failures":        cb.failures,
	})
	if to == StateOpen {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}
}

func (cb *CircuitBreaker) publish() {
	metrics.SetGauge("circuit_breaker_state", float64(cb.state), map[string]string{"breaker": cb.name}, "Circuit breaker state (0 closed, 1 open, 2 half-open)")
}

// GetState reports the current state, moving an expired open breaker to
// half-open.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint64
	LastFailureTime time.Time
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requests,
		LastFailureTime: cb.lastFailure,
	}
}

// CircuitBreakerError is returned for calls rejected without running.
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
