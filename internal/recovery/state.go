package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"execution-core/pkg/breaker"
)

// persistedState is the JSON snapshot written to disk so a restart can
// resume where the previous process left off. Unknown fields in older or
// newer snapshots are ignored on load; missing fields stay zero.
type persistedState struct {
	Timestamp            time.Time `json:"timestamp"`
	RecoveryState        string    `json:"recovery_state"`
	ConsecutiveErrors    int       `json:"consecutive_errors"`
	ReconnectionAttempts int       `json:"reconnection_attempts"`
	CircuitState         string    `json:"circuit_state"`
	CircuitFailureCount  int       `json:"circuit_failure_count"`
}

// SaveState writes the current snapshot atomically (temp file + rename).
func (m *Manager) SaveState() error {
	if m.cfg.StatePath == "" {
		return nil
	}

	m.mu.Lock()
	snap := persistedState{
		Timestamp:            time.Now().UTC(),
		RecoveryState:        string(m.state),
		ConsecutiveErrors:    m.consecutiveErrors,
		ReconnectionAttempts: m.reconnectAttempts,
	}
	m.mu.Unlock()

	if m.breaker != nil {
		counts := m.breaker.Counts()
		snap.CircuitState = string(counts.State)
		snap.CircuitFailureCount = counts.FailureCount
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal recovery state: %w", err)
	}

	dir := filepath.Dir(m.cfg.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := m.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write recovery state: %w", err)
	}
	if err := os.Rename(tmp, m.cfg.StatePath); err != nil {
		return fmt.Errorf("replace recovery state: %w", err)
	}
	return nil
}

// loadState restores a prior snapshot if one exists. A missing file is not
// an error; a corrupt file is logged and discarded rather than blocking
// startup.
func (m *Manager) loadState() {
	if m.cfg.StatePath == "" {
		return
	}
	data, err := os.ReadFile(m.cfg.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.WithError(err).Warn("Failed to read recovery state file")
		}
		return
	}

	var snap persistedState
	if err := json.Unmarshal(data, &snap); err != nil {
		m.log.WithError(err).Warn("Discarding corrupt recovery state file")
		return
	}

	m.mu.Lock()
	switch State(snap.RecoveryState) {
	case StateHealthy, StateReconnecting, StateDegraded, StateCritical:
		m.state = State(snap.RecoveryState)
	default:
		m.state = StateHealthy
	}
	m.consecutiveErrors = snap.ConsecutiveErrors
	m.reconnectAttempts = snap.ReconnectionAttempts
	m.mu.Unlock()

	if m.breaker != nil && snap.CircuitState != "" {
		m.breaker.Restore(breaker.State(snap.CircuitState), snap.CircuitFailureCount)
	}

	m.log.WithFields(map[string]interface{}{
		"state":              snap.RecoveryState,
		"consecutive_errors": snap.ConsecutiveErrors,
		"saved_at":           snap.Timestamp,
	}).Info("Restored recovery state")
}
