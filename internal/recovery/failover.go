package recovery

import (
	"context"
	"fmt"
)

type failoverService struct {
	name string
	svc  any
}

// RegisterPrimary sets the primary service. It must be called before any
// backups are registered.
func (m *Manager) RegisterPrimary(name string, svc any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.services) == 0 {
		m.services = append(m.services, &failoverService{name: name, svc: svc})
		return
	}
	m.services[0] = &failoverService{name: name, svc: svc}
}

// RegisterBackup appends a backup service tried after the primary.
func (m *Manager) RegisterBackup(name string, svc any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, &failoverService{name: name, svc: svc})
}

// ExecuteWithFailover applies op to the currently preferred service first,
// falling through the remaining services in registration order. Each attempt
// is bounded by FailoverTimeout. The first service that succeeds becomes the
// preferred one for subsequent calls.
func (m *Manager) ExecuteWithFailover(ctx context.Context, op func(context.Context, any) error) error {
	m.mu.Lock()
	services := make([]*failoverService, len(m.services))
	copy(services, m.services)
	active := m.active
	m.mu.Unlock()

	if len(services) == 0 {
		return fmt.Errorf("no services registered for failover")
	}
	if active >= len(services) {
		active = 0
	}

	// Preferred service first, then everything else in registration order.
	order := make([]int, 0, len(services))
	order = append(order, active)
	for i := range services {
		if i != active {
			order = append(order, i)
		}
	}

	var lastErr error
	for _, idx := range order {
		svc := services[idx]
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.FailoverTimeout)
		err := op(attemptCtx, svc.svc)
		cancel()

		if err == nil {
			m.mu.Lock()
			if m.active != idx {
				m.log.WithField("service", svc.name).Info("Failover switched active service")
			}
			m.active = idx
			m.mu.Unlock()
			m.recordSuccess()
			return nil
		}

		lastErr = err
		m.log.WithField("service", svc.name).WithError(err).Warn("Service attempt failed")

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	m.recordFailure()
	return fmt.Errorf("all %d services failed: %w", len(services), lastErr)
}
