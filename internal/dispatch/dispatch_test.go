package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoupix/sharify-go/internal/provider"
	"github.com/snoupix/sharify-go/internal/room"
	"github.com/snoupix/sharify-go/internal/wire"
)

func newTestRoom(t *testing.T) (*Dispatcher, *room.Registry, room.ID) {
	t.Helper()
	rooms := room.NewRegistry()
	rm, err := rooms.CreateRoom("owner", "alice", "Room", "client", room.Credentials{})
	require.NoError(t, err)
	_, err = rooms.JoinRoom(rm.ID(), "bob", "guest")
	require.NoError(t, err)
	return New(rooms), rooms, rm.ID()
}

func TestDispatchGetRoomHasNoImpact(t *testing.T) {
	d, _, roomID := newTestRoom(t)
	result := d.Dispatch(context.Background(), roomID, "owner", wire.Command{Kind: wire.CmdGetRoom})
	assert.Equal(t, ImpactNothing, result.Impact)
	assert.Nil(t, result.Err)
}

func TestDispatchRejectsUnknownActor(t *testing.T) {
	d, _, roomID := newTestRoom(t)
	result := d.Dispatch(context.Background(), roomID, "stranger", wire.Command{Kind: wire.CmdGetRoom})
	require.NotNil(t, result.Err)
	assert.Equal(t, "Unauthorized", result.Err.ErrorCode)
}

func TestDispatchRejectsUnknownRoom(t *testing.T) {
	d, _, _ := newTestRoom(t)
	result := d.Dispatch(context.Background(), room.ID{}, "owner", wire.Command{Kind: wire.CmdGetRoom})
	require.NotNil(t, result.Err)
	assert.Equal(t, "RoomNotFound", result.Err.ErrorCode)
}

func TestDispatchKickRequiresManageUsers(t *testing.T) {
	d, _, roomID := newTestRoom(t)
	result := d.Dispatch(context.Background(), roomID, "guest", wire.Command{
		Kind: wire.CmdKick, TargetUserID: "owner",
	})
	require.NotNil(t, result.Err)
	assert.Equal(t, "Unauthorized", result.Err.ErrorCode)
}

func TestDispatchKickByOwnerEvictsTarget(t *testing.T) {
	d, rooms, roomID := newTestRoom(t)
	result := d.Dispatch(context.Background(), roomID, "owner", wire.Command{
		Kind: wire.CmdKick, TargetUserID: "guest", Reason: "spam",
	})
	assert.Nil(t, result.Err)
	assert.True(t, result.IsKickOrBan)
	assert.Equal(t, room.UserID("guest"), result.KickOrBanTarget)
	assert.Equal(t, ImpactRoom, result.Impact)

	rm, _ := rooms.Get(roomID)
	_, found := rm.FindUser("guest")
	assert.False(t, found)
}

func TestDispatchLeaveRoomClosesRoomWhenSoleOwner(t *testing.T) {
	rooms := room.NewRegistry()
	rm, err := rooms.CreateRoom("owner", "alice", "Room", "client", room.Credentials{})
	require.NoError(t, err)
	d := New(rooms)

	result := d.Dispatch(context.Background(), rm.ID(), "owner", wire.Command{Kind: wire.CmdLeaveRoom})
	assert.Nil(t, result.Err)
	assert.True(t, result.IsLeaveRoom)
	assert.True(t, result.RoomClosed)
	assert.Equal(t, "No owner left to manage the room, closing...", result.RoomClosedMsg)
}

func TestDispatchLeaveRoomKeepsRoomWithAnotherManager(t *testing.T) {
	d, rooms, roomID := newTestRoom(t)
	result := d.Dispatch(context.Background(), roomID, "guest", wire.Command{Kind: wire.CmdLeaveRoom})
	assert.Nil(t, result.Err)
	assert.False(t, result.RoomClosed)

	rm, ok := rooms.Get(roomID)
	require.True(t, ok)
	assert.Equal(t, 1, rm.UserCount())
}

func TestDispatchCreateRoleRequiresManageUsersAndAddModerator(t *testing.T) {
	d, _, roomID := newTestRoom(t)
	result := d.Dispatch(context.Background(), roomID, "guest", wire.Command{
		Kind: wire.CmdCreateRole, RoleName: "DJ",
	})
	require.NotNil(t, result.Err)
	assert.Equal(t, "Unauthorized", result.Err.ErrorCode)
}

func TestDispatchCreateRoleByOwnerSucceeds(t *testing.T) {
	d, rooms, roomID := newTestRoom(t)
	result := d.Dispatch(context.Background(), roomID, "owner", wire.Command{
		Kind: wire.CmdCreateRole, RoleName: "DJ",
		Permissions: wire.RolePermissions{AddSong: true},
	})
	assert.Nil(t, result.Err)
	assert.Equal(t, ImpactRoom, result.Impact)

	rm, _ := rooms.Get(roomID)
	_, ok := rm.Roles().ByName("DJ")
	assert.True(t, ok)
}

func TestDispatchChangeUsernameUpdatesRoomAndLogs(t *testing.T) {
	d, rooms, roomID := newTestRoom(t)
	result := d.Dispatch(context.Background(), roomID, "guest", wire.Command{
		Kind: wire.CmdChangeUsername, Username: "bobby",
	})
	assert.Nil(t, result.Err)

	rm, _ := rooms.Get(roomID)
	u, ok := rm.FindUser("guest")
	require.True(t, ok)
	assert.Equal(t, "bobby", u.Username)
}

func TestErrCodeMapsSentinelsThroughWrapping(t *testing.T) {
	assert.Equal(t, "RoomNotFound", errCode(room.ErrRoomNotFound))
	assert.Equal(t, "UserBanned", errCode(room.ErrUserBanned))
	assert.Equal(t, "RoomCreationFail", errCode(room.ErrRoomCreationFail))
}

func TestProviderErrResultBroadcastsRateLimitedRoomWide(t *testing.T) {
	result := providerErrResult(&provider.ErrRateLimited{RetryAfterSeconds: 12})
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.RespRateLimited, result.Err.Kind)
	assert.True(t, result.RoomWideErr)
	assert.Equal(t, int64(12), result.Err.RetryAfterSeconds)
}

func TestProviderErrResultOtherErrorsAreCallerOnly(t *testing.T) {
	result := providerErrResult(assertGenericErr{})
	require.NotNil(t, result.Err)
	assert.False(t, result.RoomWideErr)
}

type assertGenericErr struct{}

func (assertGenericErr) Error() string { return "boom" }
