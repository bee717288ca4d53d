// Package dispatch implements the command dispatcher (C6): it authorizes an
// inbound wire.Command against the caller's role, applies it through the
// room registry and provider client, and classifies the resulting
// broadcast impact for the session loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/snoupix/sharify-go/internal/provider"
	"github.com/snoupix/sharify-go/internal/role"
	"github.com/snoupix/sharify-go/internal/room"
	"github.com/snoupix/sharify-go/internal/wire"
)

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// ImpactFlags is a bitset over the state dimensions a command may have
// changed, used when Impact is ImpactBoth.
type ImpactFlags uint8

const (
	FlagPlayback ImpactFlags = 1 << iota
	FlagTracksQueue
)

// Impact classifies what the session loop must broadcast after a command.
type Impact int

const (
	ImpactNothing Impact = iota
	ImpactRoom
	ImpactBoth
)

// Result is the dispatcher's verdict on one command.
type Result struct {
	Reply  *wire.CommandResponse // non-nil only for a direct caller-only reply
	Err    *wire.CommandResponse // non-nil on failure; Reply is always nil when this is set
	Impact Impact
	Flags  ImpactFlags

	// KickOrBanTarget is set for Kick/Ban so the session loop knows which
	// user, if any, has a session to evict.
	KickOrBanTarget room.UserID
	IsKickOrBan     bool
	IsLeaveRoom     bool
	RoomClosed      bool
	RoomClosedMsg   string

	// RoomWideErr is true when Err should be broadcast to every session in
	// the room rather than sent only to the caller - the reference's policy
	// for provider rate-limit signals, so every client can adjust its UI.
	RoomWideErr bool
}

// Dispatcher binds a room registry to the dispatch logic. It holds no
// per-room state of its own.
type Dispatcher struct {
	Rooms *room.Registry
}

func New(rooms *room.Registry) *Dispatcher {
	return &Dispatcher{Rooms: rooms}
}

func errResult(code, msg string) Result {
	return Result{Err: &wire.CommandResponse{Kind: wire.RespError, ErrorCode: code, ErrorMessage: msg}, Impact: ImpactNothing}
}

// providerErrResult classifies a provider-call failure: a rate-limit signal
// is broadcast room-wide so every client can adjust its UI, per the
// reference's error-propagation policy; anything else is reported to the
// caller only.
func providerErrResult(err error) Result {
	var rl *provider.ErrRateLimited
	if errors.As(err, &rl) {
		return Result{
			Err: &wire.CommandResponse{
				Kind:              wire.RespRateLimited,
				ErrorCode:         "RateLimited",
				ErrorMessage:      err.Error(),
				RetryAfterSeconds: rl.RetryAfterSeconds,
			},
			Impact:      ImpactNothing,
			RoomWideErr: true,
		}
	}
	return errResult("Generic", err.Error())
}

// Dispatch authorizes and applies one command on behalf of actor in roomID.
func (d *Dispatcher) Dispatch(ctx context.Context, roomID room.ID, actor room.UserID, cmd wire.Command) Result {
	rm, ok := d.Rooms.Get(roomID)
	if !ok {
		return errResult("RoomNotFound", "room not found")
	}

	actorRole, err := rm.RoleOf(actor)
	if err != nil {
		return errResult("Unauthorized", "caller is not a member of this room")
	}

	switch cmd.Kind {
	case wire.CmdGetRoom:
		return Result{Impact: ImpactNothing}

	case wire.CmdLeaveRoom:
		alone, _ := d.Rooms.IsOwnerAndAlone(roomID, actor)
		if err := d.Rooms.LeaveRoom(roomID, actor); err != nil {
			return errResult(errCode(err), err.Error())
		}
		if alone {
			return Result{Impact: ImpactNothing, IsLeaveRoom: true, RoomClosed: true,
				RoomClosedMsg: "No owner left to manage the room, closing..."}
		}
		return Result{Impact: ImpactRoom, IsLeaveRoom: true}

	case wire.CmdSearch:
		if !actorRole.Permissions.AddSong {
			return errResult("Unauthorized", "add-song permission required")
		}
		results, err := rm.Provider.SearchTracks(ctx, cmd.Query)
		if err != nil {
			return providerErrResult(err)
		}
		return Result{
			Reply:  &wire.CommandResponse{Kind: wire.RespSearchResults, Search: toTrackSnapshots(results)},
			Impact: ImpactNothing,
		}

	case wire.CmdAddToQueue:
		if !actorRole.Permissions.AddSong {
			return errResult("Unauthorized", "add-song permission required")
		}
		if err := rm.Provider.AddTrackToQueue(ctx, cmd.TrackID); err != nil {
			return providerErrResult(err)
		}
		if err := d.Rooms.AddTrackToQueue(roomID, room.Track{
			UserID: actor, TrackID: cmd.TrackID, TrackName: cmd.TrackName, DurationMS: cmd.DurationMS,
		}); err != nil {
			return errResult(errCode(err), err.Error())
		}
		d.Rooms.AppendLog(roomID, room.Log{Type: room.LogAddTrack, Details: fmt.Sprintf("%s queued %s", actor, cmd.TrackName)})
		return Result{Impact: ImpactBoth, Flags: FlagTracksQueue}

	case wire.CmdSetVolume:
		if !actorRole.Permissions.UseControls {
			return errResult("Unauthorized", "use-controls permission required")
		}
		if err := rm.Provider.SetVolume(ctx, cmd.VolumePct); err != nil {
			return providerErrResult(err)
		}
		return Result{Impact: ImpactBoth, Flags: FlagPlayback}

	case wire.CmdPlayResume:
		if !actorRole.Permissions.UseControls {
			return errResult("Unauthorized", "use-controls permission required")
		}
		if err := rm.Provider.PlayResume(ctx); err != nil {
			return providerErrResult(err)
		}
		return Result{Impact: ImpactBoth, Flags: FlagPlayback}

	case wire.CmdPause:
		if !actorRole.Permissions.UseControls {
			return errResult("Unauthorized", "use-controls permission required")
		}
		if err := rm.Provider.Pause(ctx); err != nil {
			return providerErrResult(err)
		}
		return Result{Impact: ImpactBoth, Flags: FlagPlayback}

	case wire.CmdSeekToPos:
		if !actorRole.Permissions.UseControls {
			return errResult("Unauthorized", "use-controls permission required")
		}
		if err := rm.Provider.SeekToMS(ctx, cmd.PositionMS); err != nil {
			return providerErrResult(err)
		}
		return Result{Impact: ImpactBoth, Flags: FlagPlayback}

	case wire.CmdSkipNext:
		if !actorRole.Permissions.UseControls {
			return errResult("Unauthorized", "use-controls permission required")
		}
		if err := rm.Provider.SkipNext(ctx); err != nil {
			return providerErrResult(err)
		}
		return Result{Impact: ImpactBoth, Flags: FlagPlayback | FlagTracksQueue}

	case wire.CmdSkipPrevious:
		if !actorRole.Permissions.UseControls {
			return errResult("Unauthorized", "use-controls permission required")
		}
		if err := rm.Provider.SkipPrevious(ctx); err != nil {
			return providerErrResult(err)
		}
		return Result{Impact: ImpactBoth, Flags: FlagPlayback | FlagTracksQueue}

	case wire.CmdKick:
		if !actorRole.Permissions.ManageUsers {
			return errResult("Unauthorized", "manage-users permission required")
		}
		target := room.UserID(cmd.TargetUserID)
		if err := d.Rooms.KickUser(roomID, actor, target, cmd.Reason); err != nil {
			return errResult(errCode(err), err.Error())
		}
		return Result{Impact: ImpactRoom, IsKickOrBan: true, KickOrBanTarget: target}

	case wire.CmdBan:
		if !actorRole.Permissions.ManageUsers {
			return errResult("Unauthorized", "manage-users permission required")
		}
		target := room.UserID(cmd.TargetUserID)
		if err := d.Rooms.BanUser(roomID, actor, target, cmd.Reason); err != nil {
			return errResult(errCode(err), err.Error())
		}
		return Result{Impact: ImpactRoom, IsKickOrBan: true, KickOrBanTarget: target}

	case wire.CmdCreateRole:
		if !(actorRole.Permissions.ManageUsers && actorRole.Permissions.AddModerator) {
			return errResult("Unauthorized", "manage-users and add-moderator permissions required")
		}
		perms := role.Permissions{
			UseControls:  cmd.Permissions.UseControls,
			ManageUsers:  cmd.Permissions.ManageUsers,
			AddSong:      cmd.Permissions.AddSong,
			AddModerator: cmd.Permissions.AddModerator,
			ManageRoom:   cmd.Permissions.ManageRoom,
		}
		if _, err := rm.Roles().Add(cmd.RoleName, perms); err != nil {
			return errResult("NameAlreadyExists", err.Error())
		}
		return Result{Impact: ImpactRoom}

	case wire.CmdRenameRole:
		if !(actorRole.Permissions.ManageUsers && actorRole.Permissions.AddModerator) {
			return errResult("Unauthorized", "manage-users and add-moderator permissions required")
		}
		id, err := parseUUID(cmd.RoleID)
		if err != nil {
			return errResult("RoleNotFound", err.Error())
		}
		target, ok := rm.Roles().ByID(id)
		if !ok {
			return errResult("RoleNotFound", "role not found")
		}
		if target.Weight() >= actorRole.Weight() {
			return errResult("Unauthorized", "target role must be strictly weaker than the caller's role")
		}
		rm.Roles().Edit(id, cmd.RoleName, target.Permissions)
		return Result{Impact: ImpactRoom}

	case wire.CmdDeleteRole:
		if !(actorRole.Permissions.ManageUsers && actorRole.Permissions.AddModerator) {
			return errResult("Unauthorized", "manage-users and add-moderator permissions required")
		}
		id, err := parseUUID(cmd.RoleID)
		if err != nil {
			return errResult("RoleNotFound", err.Error())
		}
		rm.Roles().Remove(id)
		return Result{Impact: ImpactRoom}

	case wire.CmdChangeUsername:
		if err := d.Rooms.ChangeUsername(roomID, actor, cmd.Username); err != nil {
			return errResult(errCode(err), err.Error())
		}
		d.Rooms.AppendLog(roomID, room.Log{Type: room.LogUsernameChange, Details: fmt.Sprintf("%s changed their username to %s", actor, cmd.Username)})
		return Result{Impact: ImpactRoom}

	default:
		return errResult("Unauthorized", "unknown command")
	}
}

func toTrackSnapshots(tracks []provider.Track) []wire.TrackSnapshot {
	out := make([]wire.TrackSnapshot, len(tracks))
	for i, t := range tracks {
		out[i] = wire.TrackSnapshot{
			TrackID:    t.ID,
			TrackName:  t.Name,
			ArtistName: t.ArtistName,
			DurationMS: t.DurationMS,
		}
	}
	return out
}

func errCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "RoomNotFound"
	case errors.Is(err, room.ErrUserNotFound):
		return "RoomUserNotFound"
	case errors.Is(err, room.ErrRoleNotFound):
		return "RoleNotFound"
	case errors.Is(err, room.ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, room.ErrTrackNotFound):
		return "TrackNotFound"
	case errors.Is(err, room.ErrRoomFull):
		return "RoomFull"
	case errors.Is(err, room.ErrUserBanned):
		return "UserBanned"
	case errors.Is(err, room.ErrUserIDExists):
		return "UserIDExists"
	case errors.Is(err, room.ErrUnreachable):
		return "Unreachable"
	default:
		return "RoomCreationFail"
	}
}

