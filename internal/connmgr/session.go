// Package connmgr owns per-WebSocket connection state: the authenticated
// role/subject, negotiated capability set, bounded outbound event queue,
// and the cancellation scope for every request dispatched on that
// connection (spec §4.3).
package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reclaw/reclaw-core/internal/protocol"
)

// DefaultOutboxSize bounds the number of undelivered push events held for
// a slow subscriber before the drop-oldest policy kicks in.
const DefaultOutboxSize = 256

// DefaultIdleTimeout closes a connection that has sent no frame (not even
// a ping) for this long.
const DefaultIdleTimeout = 5 * time.Minute

// Session is one live WebSocket connection's state.
type Session struct {
	ID         string
	Role       string // "operator" | "node"
	RemoteAddr string // r.RemoteAddr at upgrade time, used for rate limiting

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu           sync.RWMutex
	subject      string
	capabilities map[string]struct{}
	connectedAt  time.Time
	lastActivity time.Time

	outbox *Outbox

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce    sync.Once
	onClose      func(*Session)
	closeHooksMu sync.Mutex
	closeHooks   []func()
}

// NewSession wraps an upgraded WebSocket connection. onClose, if non-nil,
// is invoked exactly once when the session closes (used by Manager and
// the Event Bus to unsubscribe synchronously, per spec §4.6).
func NewSession(id string, conn *websocket.Conn, onClose func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:           id,
		conn:         conn,
		capabilities: make(map[string]struct{}),
		outbox:       NewOutbox(DefaultOutboxSize),
		ctx:          ctx,
		cancel:       cancel,
		connectedAt:  now,
		lastActivity: now,
		onClose:      onClose,
	}
}

// WithRemoteAddr sets the session's recorded remote address (used as the
// rate-limiting key) and returns s for chaining.
func (s *Session) WithRemoteAddr(addr string) *Session {
	s.RemoteAddr = addr
	return s
}

// Context is cancelled when the session closes; every dispatched request
// on this connection should be bound to it (spec §5 Cancellation).
func (s *Session) Context() context.Context { return s.ctx }

// Outbox returns the session's push-event sink. The Event Bus stores
// only this handle, never the *Session (spec §9).
func (s *Session) Outbox() *Outbox { return s.outbox }

// SetAuthenticated records the subject and negotiated capability set
// established at connect.
func (s *Session) SetAuthenticated(subject string, capabilities []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject = subject
	for _, c := range capabilities {
		s.capabilities[c] = struct{}{}
	}
}

// Subject returns the authenticated identity, empty before connect succeeds.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// HasCapability reports whether cap was negotiated at connect.
func (s *Session) HasCapability(capability string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.capabilities[capability]
	return ok
}

// Touch records activity for idle-timeout purposes.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Idle reports whether the session has been silent longer than d.
func (s *Session) Idle(d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastActivity) > d
}

// WriteFrame writes a single frame to the underlying connection,
// serialized against concurrent writers (matches the teacher's
// writeJSONLocked pattern of one mutex per connection).
func (s *Session) WriteFrame(f protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

// OnClose registers fn to run exactly once when the session closes, in
// addition to the Manager's own registry cleanup. The dispatcher uses
// this to unsubscribe an agent-events-v1 connection from the Event Bus
// synchronously with close (spec §4.6 "Unsubscription on disconnect
// must be synchronous with close").
func (s *Session) OnClose(fn func()) {
	s.closeHooksMu.Lock()
	defer s.closeHooksMu.Unlock()
	s.closeHooks = append(s.closeHooks, fn)
}

// Close cancels all in-flight dispatches bound to this connection, closes
// the outbox, closes the underlying socket, and (exactly once) notifies
// onClose and every registered close hook so owners (Manager, Event Bus
// subscriptions) can unsubscribe synchronously with close (spec §4.3
// Close triggers, §4.6).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.outbox.Close()
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
		s.closeHooksMu.Lock()
		hooks := s.closeHooks
		s.closeHooksMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}
