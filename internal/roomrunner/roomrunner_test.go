package roomrunner

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoupix/sharify-go/internal/provider"
	"github.com/snoupix/sharify-go/internal/room"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	closed []room.ID
}

func (f *fakeBroadcaster) BroadcastRoom(room.ID, []byte) {}

func (f *fakeBroadcaster) CloseRoom(roomID room.ID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, roomID)
}

func TestToPlaybackSnapshotMapsFields(t *testing.T) {
	progress := uint64(1000)
	p := &provider.PlaybackState{
		IsPlaying:    true,
		ProgressMS:   &progress,
		DurationMS:   180000,
		DeviceVolume: 42,
		Track: provider.Track{
			ID: "t1", Name: "Song", ArtistName: "Artist", DurationMS: 180000,
		},
	}

	snap := toPlaybackSnapshot(p)
	require.NotNil(t, snap)
	assert.True(t, snap.IsPlaying)
	assert.Equal(t, uint64(180000), snap.DurationMS)
	assert.Equal(t, uint8(42), snap.DeviceVolume)
	assert.Equal(t, "t1", snap.Track.TrackID)
	assert.Equal(t, "Artist", snap.Track.ArtistName)
}

func TestTableStartIsIdempotentPerRoom(t *testing.T) {
	rooms := room.NewRegistry()
	rm, err := rooms.CreateRoom("owner", "alice", "Room", "client", room.Credentials{})
	require.NoError(t, err)

	table := NewTable()
	broadcaster := &fakeBroadcaster{}

	r1 := table.Start(rooms, broadcaster, rm.ID())
	r2 := table.Start(rooms, broadcaster, rm.ID())
	assert.Same(t, r1, r2)

	table.Cancel(rm.ID())
	// Cancelling twice must not panic or block.
	table.Cancel(rm.ID())
}

func TestRunnerCancelStopsLoopsWithoutNetworkCall(t *testing.T) {
	rooms := room.NewRegistry()
	rm, err := rooms.CreateRoom("owner", "alice", "Room", "client", room.Credentials{})
	require.NoError(t, err)

	broadcaster := &fakeBroadcaster{}
	runner := Start(rooms, broadcaster, rm.ID())

	// Cancel blocks until both loops have returned, so nothing further to
	// wait on here; this only exercises the select's ctx.Done() branch, never
	// the 5s sleeper tick, so no provider network call happens.
	runner.Cancel()
}
