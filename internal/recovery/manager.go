package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"execution-core/internal/events"
	"execution-core/pkg/backoff"
	"execution-core/pkg/breaker"
)

// State describes the overall posture of the engine.
type State string

const (
	StateHealthy      State = "HEALTHY"
	StateReconnecting State = "RECONNECTING"
	StateDegraded     State = "DEGRADED"
	StateCritical     State = "CRITICAL"
)

// Config tunes retry, escalation and persistence behaviour.
type Config struct {
	MaxRetries             int
	CriticalErrorThreshold int
	FailoverTimeout        time.Duration
	StatePath              string
	PersistInterval        time.Duration
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	Breaker                breaker.Config
}

// DefaultConfig matches what we run in production against the spot gateway.
func DefaultConfig() Config {
	return Config{
		MaxRetries:             3,
		CriticalErrorThreshold: 5,
		FailoverTimeout:        10 * time.Second,
		PersistInterval:        30 * time.Second,
		BackoffBase:            time.Second,
		BackoffMax:             60 * time.Second,
		Breaker:                breaker.DefaultConfig(),
	}
}

// Health is the snapshot returned by HealthCheck.
type Health struct {
	State             State `json:"state"`
	ConsecutiveErrors int   `json:"consecutive_errors"`
	IsHealthy         bool  `json:"is_healthy"`
}

// Manager coordinates retries, the circuit breaker, failover between
// registered services, and durable recovery state.
type Manager struct {
	cfg     Config
	log     *logrus.Entry
	bus     *events.Bus
	breaker *breaker.CircuitBreaker
	backoff *backoff.ExponentialBackoff

	mu                sync.Mutex
	state             State
	degraded          bool
	consecutiveErrors int
	reconnectAttempts int
	services          []*failoverService
	active            int
	kindHandlers      []*kindHandler
	patternHandlers   []*patternHandler
}

// NewManager builds a manager, restoring any persisted state from cfg.StatePath.
func NewManager(cfg Config, log *logrus.Entry, bus *events.Bus) *Manager {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.CriticalErrorThreshold <= 0 {
		cfg.CriticalErrorThreshold = def.CriticalErrorThreshold
	}
	if cfg.FailoverTimeout <= 0 {
		cfg.FailoverTimeout = def.FailoverTimeout
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}

	m := &Manager{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		breaker: breaker.New("exchange", cfg.Breaker, log),
		backoff: backoff.New(cfg.BackoffBase, cfg.BackoffMax, 2.0, 0.1),
		state:   StateHealthy,
	}
	m.loadState()
	return m
}

// Breaker exposes the breaker guarding the primary dependency so callers can
// route their own calls through it.
func (m *Manager) Breaker() *breaker.CircuitBreaker {
	return m.breaker
}

// ExecuteWithRetry runs fn up to MaxRetries times with exponential backoff
// between attempts. Non-retryable exchange errors abort immediately, count a
// consecutive error and escalate to CRITICAL; errors the classifier cannot
// place are retried like transient ones. Exhausting all attempts counts one
// consecutive error.
func (m *Manager) ExecuteWithRetry(ctx context.Context, name string, fn func(context.Context) error) error {
	m.backoff.Reset()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			m.recordSuccess()
			return nil
		}

		if errors.Is(lastErr, breaker.ErrOpen) {
			// Fail fast; retrying against an open circuit is pointless.
			m.recordFailure()
			return fmt.Errorf("%s: %w", name, lastErr)
		}

		kind := Classify(lastErr)
		m.log.WithFields(logrus.Fields{
			"operation": name,
			"attempt":   attempt,
			"kind":      kind,
		}).WithError(lastErr).Warn("Operation failed")

		if handled, herr := m.HandleKnownError(ctx, lastErr); handled && herr != nil {
			m.log.WithError(herr).Warnf("Error handler for %s failed", kind)
		}

		if !kind.retryable() && !retryableUnknown(kind, lastErr) {
			m.mu.Lock()
			m.consecutiveErrors++
			m.mu.Unlock()
			m.setState(StateCritical)
			return fmt.Errorf("%s: non-retryable failure: %w", name, lastErr)
		}
		if attempt == m.cfg.MaxRetries {
			break
		}
		if err := sleepCtx(ctx, m.backoff.NextDelay()); err != nil {
			return err
		}
	}

	m.recordFailure()
	return fmt.Errorf("%s failed after %d attempts: %w", name, m.cfg.MaxRetries, lastErr)
}

// ExecuteWithBreaker composes the circuit breaker with the retry loop: every
// attempt passes through the breaker, and an open circuit fails the whole
// operation fast instead of burning the remaining attempts.
func (m *Manager) ExecuteWithBreaker(ctx context.Context, name string, fn func(context.Context) error) error {
	return m.ExecuteWithRetry(ctx, name, func(ctx context.Context) error {
		return m.breaker.Call(ctx, fn)
	})
}

// NoteReconnecting flags that the stream layer lost its connection and is
// retrying. The attempt counter feeds the persisted snapshot.
func (m *Manager) NoteReconnecting() {
	m.mu.Lock()
	m.reconnectAttempts++
	m.mu.Unlock()
	m.setState(StateReconnecting)
}

// NoteConnected clears the reconnecting posture after a session is established.
func (m *Manager) NoteConnected() {
	m.recordSuccess()
}

// SetDegraded toggles the explicitly managed DEGRADED posture. It does not
// override CRITICAL.
func (m *Manager) SetDegraded(on bool) {
	m.mu.Lock()
	m.degraded = on
	critical := m.state == StateCritical
	m.mu.Unlock()
	if critical {
		return
	}
	if on {
		m.setState(StateDegraded)
	} else {
		m.setState(StateHealthy)
	}
}

// HealthCheck reports the current posture for the status API.
func (m *Manager) HealthCheck() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:             m.state,
		ConsecutiveErrors: m.consecutiveErrors,
		IsHealthy:         m.state == StateHealthy,
	}
}

// State returns the current recovery state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run persists the state snapshot periodically until ctx is cancelled, then
// writes a final snapshot.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.SaveState(); err != nil {
				m.log.WithError(err).Warn("Failed to persist recovery state on shutdown")
			}
			return
		case <-ticker.C:
			if err := m.SaveState(); err != nil {
				m.log.WithError(err).Warn("Failed to persist recovery state")
			}
		}
	}
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	m.consecutiveErrors = 0
	degraded := m.degraded
	m.mu.Unlock()

	if degraded {
		m.setState(StateDegraded)
	} else {
		m.setState(StateHealthy)
	}
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	m.consecutiveErrors++
	critical := m.consecutiveErrors >= m.cfg.CriticalErrorThreshold
	m.mu.Unlock()

	if critical {
		m.setState(StateCritical)
	} else {
		m.setState(StateReconnecting)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"from": prev, "to": s}).Info("Recovery state changed")
	if m.bus != nil {
		switch {
		case s == StateHealthy && (prev == StateReconnecting || prev == StateCritical):
			m.bus.Publish(events.EventConnectionRestored, string(s))
		case s == StateCritical:
			m.bus.Publish(events.EventRiskAlert, events.RiskAlertPayload{Reason: "recovery state critical"})
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
