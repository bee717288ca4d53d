// Package roomrunner implements the two per-room background loops (C8): the
// adaptive provider-poll loop and the inactivity reaper. Both are started
// once per room, the first time a session handler observes the room's
// "threads initialised" flag flip, and both terminate when the room is
// deleted from the registry.
package roomrunner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snoupix/sharify-go/internal/dispatch"
	"github.com/snoupix/sharify-go/internal/logging"
	"github.com/snoupix/sharify-go/internal/metrics"
	"github.com/snoupix/sharify-go/internal/provider"
	"github.com/snoupix/sharify-go/internal/room"
	"github.com/snoupix/sharify-go/internal/wire"
)

// Broadcaster is the fan-out surface roomrunner needs. *session.Registry
// satisfies it; keeping the dependency as an interface here (rather than
// importing the session package directly) avoids a cycle, since the session
// package is the one that starts a Runner.
type Broadcaster interface {
	BroadcastRoom(roomID room.ID, buf []byte)
	CloseRoom(roomID room.ID, reason string)
}

const (
	// DefaultDataInterval is the poll cadence used whenever nothing is
	// playing, or playback state can't be read.
	DefaultDataInterval = 5 * time.Second

	// DataFetchingInterval paces the inactivity reaper's sweep.
	DataFetchingInterval = 5 * time.Second

	// FetchOffsetMS is added as slack atop the computed remaining-duration
	// cadence, so the poll fires just after a track is expected to end
	// rather than just before.
	FetchOffsetMS = 250 * time.Millisecond

	// halveCadenceAbove is the remaining-duration threshold past which the
	// next fetch is scheduled at half the remaining time, to pick up
	// external changes (skip, pause) sooner than a full track would allow.
	halveCadenceAbove = 2 * time.Minute
)

// Runner owns the two loops for one room and the context used to cancel
// them when the room is deleted. Both loops select on ctx.Done(), so a
// single ctx cancellation is observed by both (a send on a channel, by
// contrast, is only ever delivered to one of two competing receivers).
type Runner struct {
	roomID   room.ID
	rooms    *room.Registry
	sessions Broadcaster

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Start launches both loops for roomID in their own goroutines. Callers
// must only call Start once per room; Room.StartThreadsOnce guards that.
func Start(rooms *room.Registry, sessions Broadcaster, roomID room.ID) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		roomID:   roomID,
		rooms:    rooms,
		sessions: sessions,
		ctx:      ctx,
		stop:     cancel,
	}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.pollLoop()
	}()
	go func() {
		defer r.wg.Done()
		r.reaperLoop()
	}()
	return r
}

// Cancel signals both loops to stop via the shared context and blocks until
// both have returned, matching the reference's per-room cancel-and-join
// semantics. Safe to call more than once or concurrently.
func (r *Runner) Cancel() {
	r.stop()
	r.wg.Wait()
}

func (r *Runner) pollLoop() {
	rm, ok := r.rooms.Get(r.roomID)
	if !ok {
		return
	}

	sleeper := time.NewTimer(DefaultDataInterval)
	defer sleeper.Stop()

	tickResets := rm.TickResets()

	for {
		select {
		case <-r.ctx.Done():
			return
		case d := <-tickResets:
			if !sleeper.Stop() {
				drainTimer(sleeper)
			}
			sleeper.Reset(d)
		case <-sleeper.C:
			next, err := r.sendProviderState(context.Background(), dispatch.FlagPlayback|dispatch.FlagTracksQueue)
			if err != nil {
				logging.L().Warn("provider state fetch failed, closing room",
					zap.Error(err), zap.String("room_id", r.roomID.String()))
				r.sessions.CloseRoom(r.roomID, "Spotify request error. Closing room...")
				_ = r.rooms.DeleteRoom(r.roomID, nil)
				// Same reasoning as the reaper's self-reap path: stop, not
				// Cancel, since this goroutine is itself one of the two the
				// WaitGroup tracks.
				r.stop()
				return
			}
			if _, stillThere := r.rooms.Get(r.roomID); !stillThere {
				return
			}
			sleeper.Reset(next)
		}
	}
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// sendProviderState refreshes tokens if needed, reads current playback and
// the upcoming queue, broadcasts both to the room, opportunistically
// dequeues the track-queue head, and returns the duration to wait before the
// next fetch.
func (r *Runner) sendProviderState(ctx context.Context, flags dispatch.ImpactFlags) (time.Duration, error) {
	rm, ok := r.rooms.Get(r.roomID)
	if !ok {
		return DefaultDataInterval, nil
	}

	tokens := rm.Provider.Tokens()
	expiresAt := time.Unix(tokens.CreatedAt, 0).Add(time.Duration(tokens.ExpiresIn) * time.Second)
	if time.Now().After(expiresAt) {
		if _, err := rm.Provider.RefreshToken(ctx); err != nil {
			r.broadcastError("Generic", "failed to refresh provider token")
			return 0, err
		}
	}

	playback, err := rm.Provider.CurrentPlaybackState(ctx)
	if err != nil {
		return 0, err
	}

	if playback == nil {
		if flags&dispatch.FlagPlayback != 0 {
			r.broadcastResponse(wire.CommandResponse{Kind: wire.RespPlaybackSnapshot, Playback: nil})
		}
		return DefaultDataInterval, nil
	}

	if flags&dispatch.FlagPlayback != 0 {
		r.broadcastResponse(wire.CommandResponse{Kind: wire.RespPlaybackSnapshot, Playback: toPlaybackSnapshot(playback)})
	}

	if flags&dispatch.FlagTracksQueue != 0 {
		rm.PopHeadIfMatches(playback.Track.ID)
		r.broadcastRoomSnapshot(rm)
	}

	if !playback.IsPlaying || playback.ProgressMS == nil {
		return DefaultDataInterval, nil
	}

	rest := time.Duration(playback.DurationMS-*playback.ProgressMS) * time.Millisecond
	if rest < 0 {
		rest = 0
	}
	if rest > halveCadenceAbove {
		rest /= 2
	}
	return rest + FetchOffsetMS, nil
}

func toPlaybackSnapshot(p *provider.PlaybackState) *wire.PlaybackSnapshot {
	return &wire.PlaybackSnapshot{
		IsPlaying:    p.IsPlaying,
		ProgressMS:   p.ProgressMS,
		DurationMS:   p.DurationMS,
		DeviceVolume: p.DeviceVolume,
		Track: wire.TrackSnapshot{
			TrackID:    p.Track.ID,
			TrackName:  p.Track.Name,
			ArtistName: p.Track.ArtistName,
			DurationMS: p.Track.DurationMS,
		},
	}
}

func (r *Runner) broadcastRoomSnapshot(rm *room.Room) {
	snap := rm.Snapshot()
	r.broadcastResponse(wire.CommandResponse{Kind: wire.RespRoomSnapshot, Room: &snap})
}

func (r *Runner) broadcastResponse(resp wire.CommandResponse) {
	buf, err := wire.EncodeResponse(resp)
	if err != nil {
		logging.L().Error("encoding broadcast response failed", zap.Error(err))
		return
	}
	r.sessions.BroadcastRoom(r.roomID, buf)
}

func (r *Runner) broadcastError(code, msg string) {
	r.broadcastResponse(wire.CommandResponse{Kind: wire.RespError, ErrorCode: code, ErrorMessage: msg})
}

func (r *Runner) reaperLoop() {
	ticker := time.NewTicker(DataFetchingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			rm, ok := r.rooms.Get(r.roomID)
			if !ok {
				return
			}

			connected := false
			for _, u := range rm.Users() {
				if u.Connected {
					connected = true
					break
				}
			}

			if connected {
				rm.MarkActive()
				continue
			}

			rm.MarkInactiveSince(now)
			if rm.ShouldReap(now) {
				r.sessions.CloseRoom(r.roomID, "Room closed due to inactivity.")
				_ = r.rooms.DeleteRoom(r.roomID, nil)
				metrics.RoomsReapedTotal.Inc()
				// stop, not Cancel: this goroutine is one of the two the
				// WaitGroup tracks, so blocking on Cancel's wg.Wait() here
				// would deadlock waiting on its own completion. Cancelling
				// the context still wakes pollLoop's ctx.Done() branch.
				r.stop()
				return
			}
		}
	}
}
