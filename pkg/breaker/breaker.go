package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State enumerates the circuit breaker states.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned when a call is rejected because the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes the breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	Timeout          time.Duration // open -> half-open cooldown
}

// DefaultConfig mirrors the limits we run against the exchange gateway.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards a single dependency. Failure count resets to zero
// only on entering CLOSED; success count is tracked only while HALF_OPEN.
type CircuitBreaker struct {
	name string
	cfg  Config
	log  *logrus.Entry

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// Counts is a snapshot of the breaker counters for persistence and health.
type Counts struct {
	State        State
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
}

// New creates a closed breaker named after the dependency it protects.
func New(name string, cfg Config, log *logrus.Entry) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		log:   log,
		state: StateClosed,
	}
}

// Call runs fn behind the breaker. When open it fails fast with ErrOpen
// without invoking fn until the cooldown elapses.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.cfg.Timeout {
			return fmt.Errorf("%s: %w", cb.name, ErrOpen)
		}
		cb.toHalfOpen()
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.lastFailure = time.Now()
		switch cb.state {
		case StateHalfOpen:
			// Any half-open failure reopens immediately.
			cb.toOpen()
		case StateClosed:
			cb.failureCount++
			if cb.failureCount >= cb.cfg.FailureThreshold {
				cb.toOpen()
			}
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.toClosed()
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) toOpen() {
	cb.state = StateOpen
	cb.successCount = 0
	if cb.log != nil {
		cb.log.Warnf("circuit %s opened after %d consecutive failures", cb.name, cb.failureCount)
	}
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = StateHalfOpen
	cb.successCount = 0
	if cb.log != nil {
		cb.log.Infof("circuit %s half-open, allowing trial calls", cb.name)
	}
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	if cb.log != nil {
		cb.log.Infof("circuit %s closed", cb.name)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns a counter snapshot.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		LastFailure:  cb.lastFailure,
	}
}

// Restore seeds state from a persisted snapshot so a restart resumes the
// same posture. Unknown states are ignored and the breaker stays closed.
func (cb *CircuitBreaker) Restore(state State, failureCount int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch state {
	case StateClosed, StateOpen, StateHalfOpen:
		cb.state = state
		cb.failureCount = failureCount
		if state == StateOpen {
			cb.lastFailure = time.Now()
		}
	}
}
