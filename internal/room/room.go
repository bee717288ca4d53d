// Package room implements the room state aggregate: membership, the role
// table, the bounded activity log, the track queue, and the operations that
// mutate them under a per-room lock.
package room

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snoupix/sharify-go/internal/provider"
	"github.com/snoupix/sharify-go/internal/role"
	"github.com/snoupix/sharify-go/internal/wire"
)

// Tunables carried over unchanged from the reference implementation.
const (
	MaxUsers          = 15
	MaxLogsLen        = 25
	MaxTracksQueueLen = 50
	InactiveAfter     = 5 * time.Minute
)

// ID identifies a room. UserID is an opaque, caller-supplied identifier
// (never parsed or validated beyond uniqueness).
type ID = uuid.UUID
type UserID string

// Sentinel errors mirroring the reference RoomError enum; callers switch on
// these with errors.Is.
var (
	ErrRoomCreationFail = errors.New("room: creation failed")
	ErrRoomNotFound     = errors.New("room: not found")
	ErrUserNotFound     = errors.New("room: user not found")
	ErrRoleNotFound     = errors.New("room: role not found")
	ErrUnauthorized     = errors.New("room: unauthorized")
	ErrTrackNotFound    = errors.New("room: track not found")
	ErrRoomFull         = errors.New("room: full")
	ErrUserBanned       = errors.New("room: user is banned")
	ErrUserIDExists     = errors.New("room: user id already in use")
	ErrUnreachable      = errors.New("room: reached an invalid state")
)

// LogType classifies a Log entry.
type LogType int

const (
	LogOther LogType = iota
	LogKick
	LogBan
	LogAddTrack
	LogJoinRoom
	LogLeaveRoom
	LogUsernameChange
)

func (t LogType) String() string {
	switch t {
	case LogKick:
		return "Kick"
	case LogBan:
		return "Ban"
	case LogAddTrack:
		return "AddTrack"
	case LogJoinRoom:
		return "JoinRoom"
	case LogLeaveRoom:
		return "LeaveRoom"
	case LogUsernameChange:
		return "UsernameChange"
	default:
		return "Other"
	}
}

// Log is one bounded activity-log entry.
type Log struct {
	Type    LogType
	Details string
	At      time.Time
}

// Track is one queued song, tagged with the user who queued it.
type Track struct {
	UserID      UserID
	TrackID     string
	TrackName   string
	DurationMS  uint32
	LastChecked time.Time
}

// User is one room member.
type User struct {
	ID        UserID
	Username  string
	RoleID    uuid.UUID
	Connected bool
}

// Credentials is the initial provider token set supplied by the user
// creating a room.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	CreatedAt    int64
}

// Room is one listening room: its membership, role table, activity log and
// track queue, plus the provider client authorized by its creator. All
// mutating methods take the room's own lock; Snapshot is the only way to
// safely read many fields at once.
type Room struct {
	mu sync.RWMutex

	id       ID
	name     string
	password string

	users       []User
	bannedUsers map[UserID]struct{}
	roles       *role.Table

	tracksQueue []Track
	logs        []Log

	maxUsers int

	inactiveSince *time.Time
	lastDataSend  time.Time

	threadsStarted bool
	tickReset      chan time.Duration

	Provider *provider.Client
}

// TickResetBuffer bounds the sleeper-reset channel; a publisher that finds it
// full drops the reset rather than blocking (see ResetTick).
const TickResetBuffer = 5

const roomPasswordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const roomPasswordLen = 16

// newRoomPassword returns a 16-char alphanumeric room password.
func newRoomPassword() string {
	raw := make([]byte, roomPasswordLen)
	if _, err := rand.Read(raw); err != nil {
		return uuid.NewString()[:roomPasswordLen]
	}
	b := make([]byte, roomPasswordLen)
	for i, v := range raw {
		b[i] = roomPasswordAlphabet[int(v)%len(roomPasswordAlphabet)]
	}
	return string(b)
}

func newRoom(id ID, name, clientID string, creds Credentials) *Room {
	return &Room{
		id:          id,
		name:        name,
		password:    newRoomPassword(),
		roles:       role.DefaultTable(),
		bannedUsers: make(map[UserID]struct{}),
		maxUsers:    MaxUsers,
		tickReset:   make(chan time.Duration, TickResetBuffer),
		Provider: provider.NewClient(clientID, provider.Tokens{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			ExpiresIn:    creds.ExpiresIn,
			CreatedAt:    creds.CreatedAt,
		}),
	}
}

// ID returns the room's identifier.
func (r *Room) ID() ID {
	return r.id
}

// Name returns the room's display name.
func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// Password returns the room's join password.
func (r *Room) Password() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.password
}

// Roles returns the room's role table. Callers must hold no expectation of
// concurrency safety beyond what Room's own lock provides; mutate it only
// through Room methods.
func (r *Room) Roles() *role.Table {
	return r.roles
}

// Users returns a copy of the current membership list.
func (r *Room) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, len(r.users))
	copy(out, r.users)
	return out
}

// FindUser returns the member with the given id, if present.
func (r *Room) FindUser(id UserID) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// UserCount returns the current membership size.
func (r *Room) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Logs returns a copy of the bounded activity log, oldest first.
func (r *Room) Logs() []Log {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Log, len(r.logs))
	copy(out, r.logs)
	return out
}

// TracksQueue returns a copy of the current track queue.
func (r *Room) TracksQueue() []Track {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Track, len(r.tracksQueue))
	copy(out, r.tracksQueue)
	return out
}

// AppendLog pushes a log entry, evicting the oldest once MaxLogsLen is
// exceeded.
func (r *Room) AppendLog(l Log) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLogLocked(l)
}

func (r *Room) appendLogLocked(l Log) {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	if len(r.logs) >= MaxLogsLen {
		r.logs = r.logs[1:]
	}
	r.logs = append(r.logs, l)
}

// SetConnected flips a member's liveness flag, used by the session layer on
// connect/disconnect.
func (r *Room) SetConnected(id UserID, connected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.users {
		if r.users[i].ID == id {
			r.users[i].Connected = connected
			return nil
		}
	}
	return ErrUserNotFound
}

// RoleOf returns the role currently assigned to a member.
func (r *Room) RoleOf(id UserID) (role.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.ID != id {
			continue
		}
		ro, ok := r.roles.ByID(u.RoleID)
		if !ok {
			return role.Role{}, ErrRoleNotFound
		}
		return ro, nil
	}
	return role.Role{}, ErrUserNotFound
}

// AddTrack appends a track to the queue, evicting the oldest once
// MaxTracksQueueLen is exceeded.
func (r *Room) AddTrack(t Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.LastChecked.IsZero() {
		t.LastChecked = time.Now()
	}
	if len(r.tracksQueue) >= MaxTracksQueueLen {
		r.tracksQueue = r.tracksQueue[1:]
	}
	r.tracksQueue = append(r.tracksQueue, t)
}

// PopHeadIfMatches removes the queue head when it matches trackID. This is
// called opportunistically every time playback state is refetched, so a
// mismatch is not an error: it just means nothing was consumed yet.
func (r *Room) PopHeadIfMatches(trackID string) (Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tracksQueue) == 0 || r.tracksQueue[0].TrackID != trackID {
		return Track{}, false
	}
	head := r.tracksQueue[0]
	r.tracksQueue = r.tracksQueue[1:]
	return head, true
}

// MarkActive clears any pending inactivity timestamp.
func (r *Room) MarkActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inactiveSince = nil
}

// MarkInactiveSince records when the room became empty, if not already set.
func (r *Room) MarkInactiveSince(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inactiveSince == nil {
		r.inactiveSince = &t
	}
}

// InactiveFor reports how long the room has had no connected members, or
// zero if it currently has at least one.
func (r *Room) InactiveFor(now time.Time) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.inactiveSince == nil {
		return 0
	}
	return now.Sub(*r.inactiveSince)
}

// ShouldReap reports whether the room has been empty long enough to be
// torn down by the inactivity reaper.
func (r *Room) ShouldReap(now time.Time) bool {
	return r.InactiveFor(now) >= InactiveAfter
}

// StartThreadsOnce reports whether this call is the first one to claim the
// room's one-shot "threads initialised" flag. The poll loop and reaper are
// started by whichever session handler observes it flip first.
func (r *Room) StartThreadsOnce() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.threadsStarted {
		return false
	}
	r.threadsStarted = true
	return true
}

// TickResets returns the channel the provider-poll loop reads sleeper resets
// from.
func (r *Room) TickResets() <-chan time.Duration {
	return r.tickReset
}

// ResetTick publishes a new poll-loop deadline, expressed as a duration from
// now. A full channel drops the reset rather than blocking the caller.
func (r *Room) ResetTick(d time.Duration) {
	select {
	case r.tickReset <- d:
	default:
	}
}

// Snapshot returns the wire projection of the room's current state, suitable
// for broadcast to every session in the room.
func (r *Room) Snapshot() wire.RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]wire.UserSnapshot, len(r.users))
	for i, u := range r.users {
		users[i] = wire.UserSnapshot{
			ID:        string(u.ID),
			Username:  u.Username,
			RoleID:    u.RoleID.String(),
			Connected: u.Connected,
		}
	}

	banned := make([]string, 0, len(r.bannedUsers))
	for id := range r.bannedUsers {
		banned = append(banned, string(id))
	}

	roles := r.roles.List()
	roleSnaps := make([]wire.RoleSnapshot, len(roles))
	for i, ro := range roles {
		roleSnaps[i] = wire.RoleSnapshot{
			ID:   ro.ID.String(),
			Name: ro.Name,
			Permissions: wire.RolePermissions{
				UseControls:  ro.Permissions.UseControls,
				ManageUsers:  ro.Permissions.ManageUsers,
				AddSong:      ro.Permissions.AddSong,
				AddModerator: ro.Permissions.AddModerator,
				ManageRoom:   ro.Permissions.ManageRoom,
			},
		}
	}

	queue := make([]wire.TrackSnapshot, len(r.tracksQueue))
	for i, t := range r.tracksQueue {
		queue[i] = wire.TrackSnapshot{
			UserID:     string(t.UserID),
			TrackID:    t.TrackID,
			TrackName:  t.TrackName,
			DurationMS: int64(t.DurationMS),
		}
	}

	logs := make([]wire.LogSnapshot, len(r.logs))
	for i, l := range r.logs {
		logs[i] = wire.LogSnapshot{Type: l.Type.String(), Details: l.Details, AtUnix: l.At.Unix()}
	}

	return wire.RoomSnapshot{
		ID:          r.id.String(),
		Name:        r.name,
		Password:    r.password,
		MaxUsers:    r.maxUsers,
		Users:       users,
		BannedUsers: banned,
		Roles:       roleSnaps,
		Queue:       queue,
		Logs:        logs,
	}
}

// DueForDataSend reports whether enough time has passed since the room's
// members were last sent a state snapshot, and records now as the new
// last-sent time if so. This avoids resending identical room state on every
// poll tick when nothing changed.
func (r *Room) DueForDataSend(now time.Time, minInterval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastDataSend) < minInterval {
		return false
	}
	r.lastDataSend = now
	return true
}
