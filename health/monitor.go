package health

import (
	"sort"
	"sync"
	"time"
)

// Monitor tracks the latest status of named parts
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records status under name. The component name is forced to name.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = status
}

// UpdateHealthy marks name healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateDegraded marks name degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// UpdateUnhealthy marks name unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Get returns the status recorded for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove stops tracking name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Components returns the tracked names in order
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregate combines every tracked status under system
func (m *Monitor) Aggregate(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()
	return Aggregate(system, subs)
}
