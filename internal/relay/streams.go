package relay

import (
	"errors"
	"log/slog"
	"sync"
)

// errStreamActive is returned when a session already has a stream open.
var errStreamActive = errors.New("a reply is already streaming for this session")

// StreamRegistry tracks the open stream of every user session so that at
// most one is relayed per session at a time.
type StreamRegistry struct {
	mu     sync.Mutex
	active map[string]map[string]uint64
	nextID uint64
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{active: make(map[string]map[string]uint64)}
}

// Acquire claims the session's stream slot. The returned release func
// frees it and is safe to call more than once.
func (m *StreamRegistry) Acquire(userID, sessionID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		sessions = make(map[string]uint64)
		m.active[userID] = sessions
	}
	if _, busy := sessions[sessionID]; busy {
		return nil, errStreamActive
	}

	m.nextID++
	id := m.nextID
	sessions[sessionID] = id
	slog.Debug("Relay stream registered", "user_id", userID, "session_id", sessionID)

	var once sync.Once
	return func() {
		once.Do(func() { m.release(userID, sessionID, id) })
	}, nil
}

func (m *StreamRegistry) release(userID, sessionID string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok || sessions[sessionID] != id {
		return
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(m.active, userID)
	}
	slog.Debug("Relay stream released", "user_id", userID, "session_id", sessionID)
}

// Active reports the number of open streams of a user.
func (m *StreamRegistry) Active(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active[userID])
}
