package connmgr

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/reclaw/reclaw-core/pkg/logger"
)

// Manager tracks every live Session and upgrades incoming HTTP requests
// to WebSocket connections, mirroring the teacher's
// pkg/gateway/server.go upgrade-and-register pattern.
type Manager struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a Manager. CheckOrigin accepts every request
// regardless of its Origin header; a reverse proxy in front of the
// gateway is responsible for any origin policy (spec §1 "the TLS terminator / reverse proxy ... deliberately out
// of scope").
func NewManager() *Manager {
	return &Manager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Upgrade promotes r/w to a WebSocket connection and registers a new
// Session for it. Callers are expected to then call connmgr.Serve in a
// goroutine with the returned Session.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request) (*Session, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sess := NewSession(id, conn, m.remove).WithRemoteAddr(r.RemoteAddr)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	logger.InfoCF("connmgr", "session connected", map[string]any{"session": id, "remote": r.RemoteAddr})
	return sess, nil
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
	logger.InfoCF("connmgr", "session disconnected", map[string]any{"session": sess.ID})
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every live session.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}
}
