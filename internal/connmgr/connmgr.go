// Package connmgr implements the connection manager (spec.md §4.4): a
// thread-safe registry of live sessions, with per-connection profile-count
// bookkeeping delegated to beep.Connection itself.
package connmgr

import (
	"sync"

	"turbulenced/internal/beep"
)

// Manager is the registry of live connections. Construct one with New: the
// zero value has a nil map, so Register on it panics.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*beep.Connection
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{conns: make(map[string]*beep.Connection)}
}

// Register adds conn to the registry. No ordering guarantee is made
// between concurrent registrations, per spec.md §4.4.
func (m *Manager) Register(conn *beep.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID] = conn
}

// Unregister removes conn from the registry.
func (m *Manager) Unregister(conn *beep.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, conn.ID)
}

// List returns every registered connection whose Role matches roleFilter,
// or every connection if roleFilter is negative (spec.md's "role_filter |
// -1").
func (m *Manager) List(roleFilter int) []*beep.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*beep.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if roleFilter < 0 || beep.Role(roleFilter) == c.Role {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the registered connection with the given id, if any.
func (m *Manager) Get(id string) (*beep.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// ProfileRunning reports whether conn (as tracked by this manager) has a
// currently running channel under uri.
func (m *Manager) ProfileRunning(conn *beep.Connection, uri string) bool {
	return conn.ChannelRunning(uri)
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
