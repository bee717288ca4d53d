package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/snoupix/sharify-go/internal/dispatch"
	"github.com/snoupix/sharify-go/internal/room"
)

func TestSendWhenReadyReturnsOnContextCancelBeforeReady(t *testing.T) {
	rooms := room.NewRegistry()
	sessions := NewRegistry()
	l := NewLoop(rooms, sessions, dispatch.New(rooms))

	roomID := uuid.New()
	s := NewSession("u1", roomID, &fakeConn{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.sendWhenReady(ctx, s, roomID, "u1")
		close(done)
	}()

	// The session never becomes ready, so without the ctx.Done() branch this
	// goroutine (and its ticker) would run for the lifetime of the process.
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sendWhenReady did not return after context cancellation")
	}

	assert.False(t, s.IsReady())
}
