// Package session owns the in-memory CLI session map: (channel, sender) ->
// last `--resume` session id. Reconstructed from the call-site contract
// visible in the teacher's pkg/agent/loop.go (GetHistory/AddMessage/Save/
// TruncateHistory/SetSummary were never retrieved as source), trimmed to
// the session-id bookkeeping this gateway's CLI provider actually needs.
package session

import (
	"sync"
	"time"
)

// Entry is one sender's live CLI session.
type Entry struct {
	SessionID string
	LastUsed  time.Time
}

// Map is the single mutex-guarded session table shared between the
// pipeline and marker handlers, per spec.md's ownership note.
type Map struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMap() *Map {
	return &Map{entries: make(map[string]Entry)}
}

func key(channel, senderID string) string { return channel + "\x00" + senderID }

// Get returns the live session for (channel, sender), if any and not idle-expired.
func (m *Map) Get(channel, senderID string, idleTimeout time.Duration) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(channel, senderID)]
	if !ok {
		return "", false
	}
	if idleTimeout > 0 && time.Since(e.LastUsed) > idleTimeout {
		delete(m.entries, key(channel, senderID))
		return "", false
	}
	return e.SessionID, true
}

// Set records sessionID as the live session for (channel, sender).
func (m *Map) Set(channel, senderID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key(channel, senderID)] = Entry{SessionID: sessionID, LastUsed: time.Now()}
}

// Clear evicts the session for (channel, sender) — used by /forget,
// FORGET_CONVERSATION, and provider errors.
func (m *Map) Clear(channel, senderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(channel, senderID))
}

// SweepIdle evicts every entry idle longer than timeout. Called
// periodically so sessions expire even for senders who never message again.
func (m *Map) SweepIdle(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, e := range m.entries {
		if now.Sub(e.LastUsed) > timeout {
			delete(m.entries, k)
		}
	}
}
