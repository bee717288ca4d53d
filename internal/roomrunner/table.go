package roomrunner

import (
	"sync"

	"github.com/snoupix/sharify-go/internal/room"
)

// Table tracks the one Runner per active room, so a second session joining
// an already-running room does not start a second pair of background loops.
type Table struct {
	mu      sync.Mutex
	runners map[room.ID]*Runner
}

// NewTable returns an empty runner table.
func NewTable() *Table {
	return &Table{runners: make(map[room.ID]*Runner)}
}

// Start starts the room's loops if this Table hasn't already, and returns
// the (possibly pre-existing) Runner.
func (t *Table) Start(rooms *room.Registry, sessions Broadcaster, roomID room.ID) *Runner {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runners[roomID]; ok {
		return r
	}
	r := Start(rooms, sessions, roomID)
	t.runners[roomID] = r
	return r
}

// Cancel stops and forgets the room's runner, if any.
func (t *Table) Cancel(roomID room.ID) {
	t.mu.Lock()
	r, ok := t.runners[roomID]
	if ok {
		delete(t.runners, roomID)
	}
	t.mu.Unlock()
	if ok {
		r.Cancel()
	}
}

// CancelAll stops and forgets every runner still tracked, used on process
// shutdown so no room loop outlives the server.
func (t *Table) CancelAll() {
	t.mu.Lock()
	runners := make([]*Runner, 0, len(t.runners))
	for id, r := range t.runners {
		runners = append(runners, r)
		delete(t.runners, id)
	}
	t.mu.Unlock()

	for _, r := range runners {
		r.Cancel()
	}
}
