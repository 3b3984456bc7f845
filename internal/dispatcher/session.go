package dispatcher

import "sync"

// State is where a user's lookup conversation currently stands.
type State int

const (
	// StateIdle means no lookup is in progress.
	StateIdle State = iota
	// StateAwaitingCategory means the bot asked for a service category.
	StateAwaitingCategory
	// StateAwaitingService means the bot asked for a service within a category.
	StateAwaitingService
	// StateAwaitingIdentifier means the bot asked for the IMEI itself.
	StateAwaitingIdentifier
	// StateProcessing means a paid provider call is in flight.
	StateProcessing
)

// session carries one user's conversation progress.
type session struct {
	state     State
	category  string
	serviceID string
}

type sessionManager struct {
	mu       sync.RWMutex
	sessions map[int64]*session
}

func newSessionManager() *sessionManager {
	return &sessionManager{sessions: make(map[int64]*session)}
}

// get returns a copy of the user's session, idle if none exists.
func (m *sessionManager) get(userID int64) session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[userID]; ok {
		return *s
	}
	return session{state: StateIdle}
}

func (m *sessionManager) set(userID int64, s session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := s
	m.sessions[userID] = &copied
}

// clear drops the session, returning the user to idle.
func (m *sessionManager) clear(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}
