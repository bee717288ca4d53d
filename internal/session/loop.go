package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snoupix/sharify-go/internal/dispatch"
	"github.com/snoupix/sharify-go/internal/logging"
	"github.com/snoupix/sharify-go/internal/metrics"
	"github.com/snoupix/sharify-go/internal/room"
	"github.com/snoupix/sharify-go/internal/roomrunner"
	"github.com/snoupix/sharify-go/internal/wire"
)

var _ roomrunner.Broadcaster = (*Registry)(nil)

// Heartbeat timing: the server pings every HeartbeatInterval and disconnects
// a peer that hasn't answered within UserTimeout.
const (
	HeartbeatInterval = 5 * time.Second
	UserTimeout       = 10 * time.Second
	readyPollInterval = 500 * time.Millisecond
	impactDelay       = 500 * time.Millisecond
)

// WSConn is the subset of *websocket.Conn the session loop drives directly
// (as opposed to Conn, which Session uses for outbound writes).
type WSConn interface {
	Conn
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
}

// Loop owns one participant's connection for its lifetime: the inbound
// frame/heartbeat multiplexer, command dispatch, and the runner that starts
// the room's background loops the first time any session joins it.
type Loop struct {
	Sessions   *Registry
	Rooms      *room.Registry
	Dispatcher *dispatch.Dispatcher

	// Runners tracks the one roomrunner.Runner per active room, so a second
	// session in the same room does not start a second pair of loops.
	Runners *roomrunner.Table
}

// NewLoop wires a session loop driver against the shared registries.
func NewLoop(rooms *room.Registry, sessions *Registry, d *dispatch.Dispatcher) *Loop {
	return &Loop{Sessions: sessions, Rooms: rooms, Dispatcher: d, Runners: roomrunner.NewTable()}
}

// Serve drives one participant's connection until it closes, times out, or
// is evicted. It registers and deregisters the session, and starts the
// room's background loops on first entry.
func (l *Loop) Serve(ctx context.Context, conn WSConn, roomID room.ID, userID UserID) {
	// sendWhenReady is a separate goroutine with no other teardown signal of
	// its own, so it needs a context that's actually canceled when Serve
	// returns; ctx itself may be a context.WithoutCancel derivative (the
	// request context httpapi detached before handing the connection off)
	// and so never fires on its own.
	readyCtx, cancelReady := context.WithCancel(ctx)
	defer cancelReady()

	s := NewSession(userID, roomID, conn)
	if prior := l.Sessions.Register(s); prior != nil {
		logging.From(ctx).Info("closed ghost session for reconnecting user", zap.String("user_id", string(userID)))
	}
	metrics.SessionsActive.Inc()

	_ = l.Rooms.SetConnected(roomID, userID, true)

	if rm, ok := l.Rooms.Get(roomID); ok && rm.StartThreadsOnce() {
		l.Runners.Start(l.Rooms, l.Sessions, roomID)
	}

	go l.sendWhenReady(readyCtx, s, roomID, userID)

	defer func() {
		l.Sessions.Unregister(userID, s)
		_ = l.Rooms.SetConnected(roomID, userID, false)
		metrics.SessionsActive.Dec()
		_ = conn.Close()
	}()

	heartbeat := time.Now()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	inbound := make(chan inboundFrame, 1)
	go readLoop(conn, inbound)

	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				return
			}
			if frame.err != nil {
				return
			}
			switch frame.messageType {
			case websocket.PingMessage:
				_ = s.write(websocket.PongMessage, nil)
			case websocket.PongMessage:
				heartbeat = time.Now()
				s.Touch(heartbeat)
				s.SetReady()
			case websocket.TextMessage:
				// legacy clients send text frames; ignored.
			case websocket.CloseMessage:
				return
			case websocket.BinaryMessage:
				if l.handleBinary(ctx, s, roomID, userID, frame.data) {
					return
				}
			}

		case <-ticker.C:
			if time.Since(heartbeat) > UserTimeout {
				return
			}
			if err := s.write(websocket.PingMessage, []byte("PING")); err != nil {
				return
			}
		}
	}
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func readLoop(conn WSConn, out chan<- inboundFrame) {
	defer close(out)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			out <- inboundFrame{err: err}
			return
		}
		metrics.WSMessageBytesTotal.WithLabelValues("in").Add(float64(len(data)))
		out <- inboundFrame{messageType: mt, data: data}
	}
}

// handleBinary decodes and dispatches one inbound command frame. It returns
// true when the caller's own session should be torn down (LeaveRoom, or
// being the evicted target of its own command is impossible but checked for
// symmetry).
func (l *Loop) handleBinary(ctx context.Context, s *Session, roomID room.ID, userID UserID, data []byte) bool {
	cmd, err := wire.DecodeCommand(data)
	if err != nil {
		logging.From(ctx).Warn("dropping undecodable command frame", zap.Error(err))
		return false
	}

	result := l.Dispatcher.Dispatch(ctx, roomID, userID, cmd)
	metrics.CommandsTotal.WithLabelValues(commandName(cmd.Kind), outcomeName(result)).Inc()

	if result.IsKickOrBan && result.KickOrBanTarget != "" {
		kind := wire.RespKickNotice
		if cmd.Kind == wire.CmdBan {
			kind = wire.RespBanNotice
		}
		l.sendTo(result.KickOrBanTarget, wire.CommandResponse{Kind: kind, NoticeReason: cmd.Reason})
		l.Sessions.CloseSession(result.KickOrBanTarget, cmd.Reason)
	}

	if result.RoomClosed {
		l.Runners.Cancel(roomID)
		l.Sessions.CloseRoom(roomID, result.RoomClosedMsg)
	}

	switch result.Impact {
	case dispatch.ImpactRoom:
		l.broadcastRoomSnapshot(roomID)
	case dispatch.ImpactBoth:
		go l.delayedImpactBroadcast(roomID)
	}

	if result.Err != nil {
		if result.RoomWideErr {
			l.broadcastResponse(roomID, *result.Err)
		} else {
			l.sendTo(userID, *result.Err)
		}
	} else if result.Reply != nil {
		l.sendTo(userID, *result.Reply)
	}

	if result.IsLeaveRoom {
		s.close()
		return true
	}
	return false
}

// delayedImpactBroadcast waits 500ms - compensating for the provider's
// eventual consistency after a mutating command - then nudges the room's
// poll loop into an immediate refetch and pushes a fresh room snapshot.
func (l *Loop) delayedImpactBroadcast(roomID room.ID) {
	time.Sleep(impactDelay)
	if rm, ok := l.Rooms.Get(roomID); ok {
		rm.ResetTick(0)
	}
	l.broadcastRoomSnapshot(roomID)
}

func (l *Loop) broadcastRoomSnapshot(roomID room.ID) {
	rm, ok := l.Rooms.Get(roomID)
	if !ok {
		return
	}
	l.broadcastResponse(roomID, wire.CommandResponse{Kind: wire.RespRoomSnapshot, Room: snapshotPtr(rm)})
}

func snapshotPtr(rm *room.Room) *wire.RoomSnapshot {
	s := rm.Snapshot()
	return &s
}

func (l *Loop) broadcastResponse(roomID room.ID, resp wire.CommandResponse) {
	buf, err := wire.EncodeResponse(resp)
	if err != nil {
		logging.L().Error("encoding broadcast failed", zap.Error(err))
		return
	}
	l.Sessions.BroadcastRoom(roomID, buf)
}

func (l *Loop) sendTo(userID UserID, resp wire.CommandResponse) {
	buf, err := wire.EncodeResponse(resp)
	if err != nil {
		logging.L().Error("encoding direct reply failed", zap.Error(err))
		return
	}
	_ = l.Sessions.SendBinary(userID, buf)
}

// sendWhenReady polls every 500ms for the session to reach Ready (first
// Pong received), then sends one initial room snapshot and, unless userID
// holds the room's Owner role, one initial playback snapshot, then exits.
func (l *Loop) sendWhenReady(ctx context.Context, s *Session, roomID room.ID, userID UserID) {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsReady() {
				continue
			}
			l.broadcastRoomSnapshotTo(roomID, userID)
			l.sendInitialPlaybackIfNotOwner(ctx, roomID, userID)
			return
		}
	}
}

// sendInitialPlaybackIfNotOwner gives a newly-joined non-creator an initial
// playback snapshot, since the creator already has one from having started
// the room's provider session.
func (l *Loop) sendInitialPlaybackIfNotOwner(ctx context.Context, roomID room.ID, userID UserID) {
	rm, ok := l.Rooms.Get(roomID)
	if !ok {
		return
	}
	actorRole, err := rm.RoleOf(userID)
	if err != nil || actorRole.Name == "Owner" {
		return
	}

	playback, err := rm.Provider.CurrentPlaybackState(ctx)
	if err != nil || playback == nil {
		return
	}
	l.sendTo(userID, wire.CommandResponse{
		Kind: wire.RespPlaybackSnapshot,
		Playback: &wire.PlaybackSnapshot{
			IsPlaying:    playback.IsPlaying,
			ProgressMS:   playback.ProgressMS,
			DurationMS:   playback.DurationMS,
			DeviceVolume: playback.DeviceVolume,
			Track: wire.TrackSnapshot{
				TrackID:    playback.Track.ID,
				TrackName:  playback.Track.Name,
				ArtistName: playback.Track.ArtistName,
				DurationMS: playback.Track.DurationMS,
			},
		},
	})
}

func (l *Loop) broadcastRoomSnapshotTo(roomID room.ID, userID UserID) {
	rm, ok := l.Rooms.Get(roomID)
	if !ok {
		return
	}
	l.sendTo(userID, wire.CommandResponse{Kind: wire.RespRoomSnapshot, Room: snapshotPtr(rm)})
}

func commandName(k wire.CommandKind) string {
	names := map[wire.CommandKind]string{
		wire.CmdGetRoom: "GetRoom", wire.CmdLeaveRoom: "LeaveRoom", wire.CmdSearch: "Search",
		wire.CmdAddToQueue: "AddToQueue", wire.CmdSetVolume: "SetVolume", wire.CmdPlayResume: "PlayResume",
		wire.CmdPause: "Pause", wire.CmdSkipNext: "SkipNext", wire.CmdSkipPrevious: "SkipPrevious",
		wire.CmdSeekToPos: "SeekToPos", wire.CmdKick: "Kick", wire.CmdBan: "Ban",
		wire.CmdCreateRole: "CreateRole", wire.CmdRenameRole: "RenameRole", wire.CmdDeleteRole: "DeleteRole",
		wire.CmdChangeUsername: "ChangeUsername",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return "Unknown"
}

func outcomeName(r dispatch.Result) string {
	if r.Err != nil {
		return "error"
	}
	return "ok"
}
