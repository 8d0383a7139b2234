package conversation

import (
	"sync"
	"time"
)

// Manager tracks at most one live conversation per account. A timed-out
// conversation is simply discarded; it never touches the ledger or a job
// that was already submitted.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Conversation
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Conversation)}
}

// Begin starts a fresh conversation for the account, discarding any
// in-flight one (restart policy: discard-and-restart).
func (m *Manager) Begin(accountID string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := New(accountID)
	c.Start()
	m.sessions[accountID] = c
	return c
}

// Get returns the live conversation for the account, or nil.
func (m *Manager) Get(accountID string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[accountID]
}

// Cancel discards the account's conversation. Reports whether one existed.
func (m *Manager) Cancel(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	return ok
}

// SweepIdle drops conversations with no activity for maxIdle and returns
// how many were discarded.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, c := range m.sessions {
		if c.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Active reports how many conversations are live.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
