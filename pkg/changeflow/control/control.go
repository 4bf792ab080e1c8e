// Package control exposes the operator switches the dispatcher reads before
// every attempt: the global pause flag and the administrator alert settings.
package control

import (
	"context"
	"sync"
)

// Alerts configures administrator alerts for exhausted events.
type Alerts struct {
	Enabled  bool
	AdminIDs []int64
}

// State is the control state at one instant.
type State struct {
	Paused bool
	Alerts Alerts
}

// Source reads the current control state. Load is called once per dispatch
// attempt and must not cache across calls longer than the operator expects a
// toggle to take effect.
type Source interface {
	Load(ctx context.Context) (State, error)
}

// MemorySource is an in-process Source.
type MemorySource struct {
	mu    sync.RWMutex
	state State
}

// Compile-time interface check.
var _ Source = (*MemorySource)(nil)

// NewMemorySource creates a source holding initial.
func NewMemorySource(initial State) *MemorySource {
	m := &MemorySource{}
	m.store(initial)
	return m
}

// Load implements Source.
func (m *MemorySource) Load(context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	s.Alerts.AdminIDs = append([]int64(nil), m.state.Alerts.AdminIDs...)
	return s, nil
}

// SetPaused toggles the pause flag.
func (m *MemorySource) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Paused = paused
}

// SetAlerts replaces the alert settings.
func (m *MemorySource) SetAlerts(a Alerts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Alerts = Alerts{Enabled: a.Enabled, AdminIDs: append([]int64(nil), a.AdminIDs...)}
}

func (m *MemorySource) store(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{Paused: s.Paused, Alerts: Alerts{Enabled: s.Alerts.Enabled, AdminIDs: append([]int64(nil), s.Alerts.AdminIDs...)}}
}
