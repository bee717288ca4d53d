package room

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoomSeedsOwnerAndDefaultRoles(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("u1", "alice", "Friday Night", "client-id", Credentials{})
	require.NoError(t, err)

	assert.Equal(t, 1, rm.UserCount())
	roles := rm.Roles().List()
	require.Len(t, roles, 5)

	owner, err := rm.RoleOf("u1")
	require.NoError(t, err)
	assert.True(t, owner.Permissions.ManageRoom)
	assert.Equal(t, "Owner", owner.Name)
}

func TestCreateRoomRejectsDuplicateUserID(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.CreateRoom("u1", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)

	_, err = reg.CreateRoom("u1", "bob", "Other Room", "client", Credentials{})
	assert.ErrorIs(t, err, ErrUserIDExists)
}

func TestJoinRoomAssignsLeastRole(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("u1", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)

	_, err = reg.JoinRoom(rm.ID(), "bob", "u2")
	require.NoError(t, err)

	guestRole, err := rm.RoleOf("u2")
	require.NoError(t, err)
	assert.Equal(t, "Guest", guestRole.Name)
}

func TestJoinRoomRejectsBannedUser(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("owner", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)
	_, err = reg.JoinRoom(rm.ID(), "bob", "u2")
	require.NoError(t, err)

	require.NoError(t, reg.BanUser(rm.ID(), "owner", "u2", "spam"))

	_, err = reg.JoinRoom(rm.ID(), "bob", "u2")
	assert.ErrorIs(t, err, ErrUserBanned)
}

func TestJoinRoomRejectsWhenFull(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("owner", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)

	for i := 0; i < MaxUsers-1; i++ {
		_, err := reg.JoinRoom(rm.ID(), "guest", UserID(string(rune('a'+i))))
		require.NoError(t, err)
	}

	_, err = reg.JoinRoom(rm.ID(), "overflow", "zzz")
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestLeaveRoomClosesRoomWhenSoleOwnerLeaves(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("owner", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)

	alone, err := reg.IsOwnerAndAlone(rm.ID(), "owner")
	require.NoError(t, err)
	assert.True(t, alone)

	require.NoError(t, reg.LeaveRoom(rm.ID(), "owner"))

	_, ok := reg.Get(rm.ID())
	assert.False(t, ok)
}

func TestLeaveRoomKeepsRoomWhenAnotherManagerRemains(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("owner1", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)
	_, err = reg.JoinRoom(rm.ID(), "bob", "owner2")
	require.NoError(t, err)

	adminRole, _ := rm.Roles().ByName("Admin")
	require.NoError(t, rm.SetConnected("owner2", true))
	for i := range rm.users {
		if rm.users[i].ID == "owner2" {
			rm.users[i].RoleID = adminRole.ID
		}
	}

	require.NoError(t, reg.LeaveRoom(rm.ID(), "owner1"))

	_, ok := reg.Get(rm.ID())
	assert.True(t, ok)
	assert.Equal(t, 1, rm.UserCount())
}

func TestJoinAndLeaveRoomAppendLogs(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("owner", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)

	_, err = reg.JoinRoom(rm.ID(), "bob", "u2")
	require.NoError(t, err)

	logs := rm.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, LogJoinRoom, logs[len(logs)-1].Type)

	require.NoError(t, reg.LeaveRoom(rm.ID(), "u2"))

	logs = rm.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, LogLeaveRoom, logs[len(logs)-1].Type)
}

func TestBanUserPreventsRejoinAndAppendsLog(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("owner", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)
	_, err = reg.JoinRoom(rm.ID(), "bob", "u2")
	require.NoError(t, err)

	require.NoError(t, reg.BanUser(rm.ID(), "owner", "u2", "rude"))

	_, found := rm.FindUser("u2")
	assert.False(t, found)

	logs := rm.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, LogBan, logs[len(logs)-1].Type)
}

func TestAddTrackToQueueEvictsOldestPastCapacity(t *testing.T) {
	reg := NewRegistry()
	rm, err := reg.CreateRoom("owner", "alice", "Room", "client", Credentials{})
	require.NoError(t, err)

	for i := 0; i < MaxTracksQueueLen+5; i++ {
		require.NoError(t, reg.AddTrackToQueue(rm.ID(), Track{UserID: "owner", TrackID: "t"}))
	}

	assert.Len(t, rm.TracksQueue(), MaxTracksQueueLen)
}

func TestAppendLogEvictsOldestPastCapacity(t *testing.T) {
	rm := newRoom(mustUUID(), "Room", "client", Credentials{})
	for i := 0; i < MaxLogsLen+3; i++ {
		rm.AppendLog(Log{Type: LogOther, Details: "x"})
	}
	assert.Len(t, rm.Logs(), MaxLogsLen)
}

func TestShouldReapAfterInactiveWindow(t *testing.T) {
	rm := newRoom(mustUUID(), "Room", "client", Credentials{})
	now := time.Now()
	rm.MarkInactiveSince(now.Add(-InactiveAfter - time.Second))
	assert.True(t, rm.ShouldReap(now))
}

func TestMarkActiveClearsInactiveSince(t *testing.T) {
	rm := newRoom(mustUUID(), "Room", "client", Credentials{})
	rm.MarkInactiveSince(time.Now().Add(-time.Hour))
	rm.MarkActive()
	assert.Equal(t, time.Duration(0), rm.InactiveFor(time.Now()))
}

func TestStartThreadsOnceClaimsExactlyOnce(t *testing.T) {
	rm := newRoom(mustUUID(), "Room", "client", Credentials{})
	assert.True(t, rm.StartThreadsOnce())
	assert.False(t, rm.StartThreadsOnce())
}

func TestPopHeadIfMatchesOnlyConsumesHead(t *testing.T) {
	rm := newRoom(mustUUID(), "Room", "client", Credentials{})
	rm.AddTrack(Track{TrackID: "a"})
	rm.AddTrack(Track{TrackID: "b"})

	_, matched := rm.PopHeadIfMatches("b")
	assert.False(t, matched)
	assert.Len(t, rm.TracksQueue(), 2)

	_, matched = rm.PopHeadIfMatches("a")
	assert.True(t, matched)
	assert.Len(t, rm.TracksQueue(), 1)
}

func mustUUID() ID {
	return uuid.Must(uuid.NewV7())
}
