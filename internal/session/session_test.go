package session

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoupix/sharify-go/internal/room"
)

type fakeConn struct {
	mu       sync.Mutex
	writes   []int
	closed   bool
	failNext bool
}

func (f *fakeConn) WriteMessage(messageType int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return assert.AnError
	}
	f.writes = append(f.writes, messageType)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegisterReplacesGhostSession(t *testing.T) {
	reg := NewRegistry()
	roomID := uuid.New()

	oldConn := &fakeConn{}
	newConn := &fakeConn{}

	s1 := NewSession("u1", roomID, oldConn)
	s2 := NewSession("u1", roomID, newConn)

	prior := reg.Register(s1)
	assert.Nil(t, prior)

	prior = reg.Register(s2)
	require.NotNil(t, prior)
	assert.Same(t, s1, prior)
	assert.True(t, oldConn.isClosed())

	got, ok := reg.Get("u1")
	require.True(t, ok)
	assert.Same(t, s2, got)
}

func TestUnregisterOnlyRemovesSameInstance(t *testing.T) {
	reg := NewRegistry()
	roomID := uuid.New()

	s1 := NewSession("u1", roomID, &fakeConn{})
	reg.Register(s1)

	s2 := NewSession("u1", roomID, &fakeConn{})
	reg.Register(s2)

	// s1 is stale; its own teardown must not remove s2.
	reg.Unregister("u1", s1)
	got, ok := reg.Get("u1")
	require.True(t, ok)
	assert.Same(t, s2, got)

	reg.Unregister("u1", s2)
	_, ok = reg.Get("u1")
	assert.False(t, ok)
}

func TestBroadcastRoomOnlyReachesMatchingRoom(t *testing.T) {
	reg := NewRegistry()
	roomA := uuid.New()
	roomB := uuid.New()

	connA := &fakeConn{}
	connB := &fakeConn{}

	reg.Register(NewSession("a", roomA, connA))
	reg.Register(NewSession("b", roomB, connB))

	reg.BroadcastRoom(roomA, []byte("hello"))

	assert.Equal(t, 1, connA.writeCount())
	assert.Equal(t, 0, connB.writeCount())
}

func TestSendBinaryAutoRemovesOnFailure(t *testing.T) {
	reg := NewRegistry()
	roomID := uuid.New()

	conn := &fakeConn{failNext: true}
	reg.Register(NewSession("u1", roomID, conn))

	err := reg.SendBinary("u1", []byte("x"))
	assert.Error(t, err)

	_, ok := reg.Get("u1")
	assert.False(t, ok)
}

func TestCloseRoomRemovesAndClosesEverySessionInRoom(t *testing.T) {
	reg := NewRegistry()
	roomID := uuid.New()
	other := uuid.New()

	connA := &fakeConn{}
	connB := &fakeConn{}
	connC := &fakeConn{}

	reg.Register(NewSession("a", roomID, connA))
	reg.Register(NewSession("b", roomID, connB))
	reg.Register(NewSession("c", other, connC))

	reg.CloseRoom(roomID, "room closed")

	assert.True(t, connA.isClosed())
	assert.True(t, connB.isClosed())
	assert.False(t, connC.isClosed())

	assert.Equal(t, 1, reg.Count())
}

func TestSessionReadyAndHeartbeat(t *testing.T) {
	s := NewSession(room.UserID("u1"), uuid.New(), &fakeConn{})
	assert.False(t, s.IsReady())
	s.SetReady()
	assert.True(t, s.IsReady())

	past := time.Now().Add(-time.Minute)
	s.Touch(past)
	assert.InDelta(t, time.Minute.Seconds(), s.SinceHeartbeat(time.Now()).Seconds(), 1)
}

func TestCloseSessionSendsCloseFrameThenUnregisters(t *testing.T) {
	reg := NewRegistry()
	conn := &fakeConn{}
	reg.Register(NewSession("u1", uuid.New(), conn))

	reg.CloseSession("u1", "kicked")

	_, ok := reg.Get("u1")
	assert.False(t, ok)
	assert.True(t, conn.isClosed())
	require.Equal(t, 1, conn.writeCount())
	assert.Equal(t, websocket.CloseMessage, conn.writes[0])
}
