// Package session implements the participant session registry (C5) and the
// fan-out primitives (C9) used to push binary frames to one session or to
// every session in a room.
package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snoupix/sharify-go/internal/metrics"
	"github.com/snoupix/sharify-go/internal/room"
)

// Conn is the minimal transport a Session needs. *websocket.Conn satisfies
// it; tests supply a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// UserID aliases room.UserID so callers never need to convert between the
// two packages' identifiers.
type UserID = room.UserID

// Session is one participant's live connection: its transport, the room it
// is currently in, and the liveness bookkeeping the session loop maintains.
type Session struct {
	mu sync.Mutex

	userID UserID
	roomID room.ID
	conn   Conn

	heartbeat time.Time
	ready     bool
}

// NewSession constructs a Session bound to a room and transport. The caller
// still must Register it before any fan-out can find it.
func NewSession(userID UserID, roomID room.ID, conn Conn) *Session {
	return &Session{userID: userID, roomID: roomID, conn: conn, heartbeat: time.Now()}
}

func (s *Session) UserID() UserID { return s.userID }
func (s *Session) RoomID() room.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Touch refreshes the heartbeat timestamp, called whenever a Pong arrives.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat = now
}

// SinceHeartbeat reports how long it has been since the last Touch.
func (s *Session) SinceHeartbeat(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.heartbeat)
}

// SetReady flips the session into the Ready state, entered on the first
// inbound Pong.
func (s *Session) SetReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
}

// IsReady reports whether the session has completed its handshake.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) write(messageType int, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if err := conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	metrics.WSMessageBytesTotal.WithLabelValues("out").Add(float64(len(data)))
	return nil
}

func (s *Session) close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	_ = conn.Close()
}

// Registry is the process-wide user-id -> Session directory. It is
// deliberately separate from room.Registry: sessions hold only a room id,
// never a *room.Room, so they always re-look-up current state under the
// room registry's own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[UserID]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[UserID]*Session)}
}

// Register installs a new session for userID, closing and replacing any
// session that was already registered for that id (a "ghost session").
// It returns the replaced session, if any, so the caller can log it.
func (reg *Registry) Register(s *Session) (prior *Session) {
	reg.mu.Lock()
	prior = reg.sessions[s.userID]
	reg.sessions[s.userID] = s
	reg.mu.Unlock()

	if prior != nil {
		prior.close()
	}
	return prior
}

// Unregister removes userID's session, but only if it is still the same
// *Session instance (a session replaced by Register must not unregister the
// new one when its own teardown runs).
func (reg *Registry) Unregister(userID UserID, s *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if cur, ok := reg.sessions[userID]; ok && cur == s {
		delete(reg.sessions, userID)
	}
}

// Get returns the session registered for userID, if any.
func (reg *Registry) Get(userID UserID) (*Session, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	s, ok := reg.sessions[userID]
	return s, ok
}

// Count returns the number of currently registered sessions.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.sessions)
}

// SendBinary writes a binary frame to userID's session. Any failure removes
// the session from the registry, mirroring the reference's
// send-with-auto-removal policy.
func (reg *Registry) SendBinary(userID UserID, buf []byte) error {
	s, ok := reg.Get(userID)
	if !ok {
		return nil
	}
	if err := s.write(websocket.BinaryMessage, buf); err != nil {
		reg.Unregister(userID, s)
		return err
	}
	return nil
}

// BroadcastRoom snapshots every session currently bound to roomID, releases
// the lock, then sends buf to each outside the lock - the reference's
// "snapshot under read lock, send unlocked" pattern.
func (reg *Registry) BroadcastRoom(roomID room.ID, buf []byte) {
	reg.mu.RLock()
	targets := make([]*Session, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		if s.RoomID() == roomID {
			targets = append(targets, s)
		}
	}
	reg.mu.RUnlock()

	for _, s := range targets {
		if err := s.write(websocket.BinaryMessage, buf); err != nil {
			reg.Unregister(s.userID, s)
		}
	}
}

// CloseRoom closes every session bound to roomID with a close frame carrying
// reason, then removes them from the registry. No further fan-out will find
// them once this returns.
func (reg *Registry) CloseRoom(roomID room.ID, reason string) {
	reg.mu.Lock()
	targets := make([]*Session, 0, len(reg.sessions))
	for id, s := range reg.sessions {
		if s.RoomID() == roomID {
			targets = append(targets, s)
			delete(reg.sessions, id)
		}
	}
	reg.mu.Unlock()

	for _, s := range targets {
		s.sendClose(reason)
		s.close()
	}
}

// CloseSession closes and unregisters a single session with a reason, used
// for kick/ban eviction notices.
func (reg *Registry) CloseSession(userID UserID, reason string) {
	s, ok := reg.Get(userID)
	if !ok {
		return
	}
	reg.Unregister(userID, s)
	s.sendClose(reason)
	s.close()
}

func (s *Session) sendClose(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.write(websocket.CloseMessage, msg)
}
