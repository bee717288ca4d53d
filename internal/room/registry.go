package room

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/snoupix/sharify-go/internal/metrics"
)

// Registry is the process-wide room directory: it tracks every active room
// by id and every user id currently assigned to one, so a user id can never
// be claimed twice across rooms.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[ID]*Room
	userIDs map[UserID]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[ID]*Room),
		userIDs: make(map[UserID]struct{}),
	}
}

// UserIDExists reports whether a user id is already assigned to some room.
func (reg *Registry) UserIDExists(id UserID) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.userIDs[id]
	return ok
}

// CreateRoom creates a new room owned by userID, seeded with the supplied
// provider credentials, and registers the creator as its sole member with
// the highest-weight role.
func (reg *Registry) CreateRoom(userID UserID, username, name, spotifyClientID string, creds Credentials) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.userIDs[userID]; ok {
		return nil, ErrUserIDExists
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRoomCreationFail, err)
	}

	rm := newRoom(id, name, spotifyClientID, creds)
	owner, ok := rm.roles.ByName("Owner")
	if !ok {
		return nil, fmt.Errorf("%w: default role table missing Owner", ErrRoomCreationFail)
	}
	rm.users = []User{{ID: userID, Username: username, RoleID: owner.ID, Connected: false}}

	reg.rooms[id] = rm
	reg.userIDs[userID] = struct{}{}

	metrics.RoomsActive.Inc()

	return rm, nil
}

// DeleteRoom tears a room down. actingUser is nil when the caller is the
// inactivity reaper rather than a room member requesting deletion; in that
// case no permission check is performed.
func (reg *Registry) DeleteRoom(id ID, actingUser *UserID) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}

	if actingUser != nil {
		user, found := rm.FindUser(*actingUser)
		if !found {
			return ErrUserNotFound
		}
		ro, err := rm.RoleOf(user.ID)
		if err != nil {
			return err
		}
		if !ro.Permissions.ManageRoom {
			return ErrUnauthorized
		}
	}

	for _, u := range rm.Users() {
		delete(reg.userIDs, u.ID)
	}
	delete(reg.rooms, id)

	metrics.RoomsActive.Dec()

	return nil
}

// Get returns the room with the given id.
func (reg *Registry) Get(id ID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rm, ok := reg.rooms[id]
	return rm, ok
}

// GetForUser returns the room a user currently belongs to, if any.
func (reg *Registry) GetForUser(userID UserID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, rm := range reg.rooms {
		if _, ok := rm.FindUser(userID); ok {
			return rm, true
		}
	}
	return nil, false
}

// SetConnected updates a member's liveness flag within a room.
func (reg *Registry) SetConnected(roomID ID, userID UserID, connected bool) error {
	rm, ok := reg.Get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	return rm.SetConnected(userID, connected)
}

// JoinRoom admits userID to a room as its lowest-weight role, after checking
// for ban status, capacity and id uniqueness.
func (reg *Registry) JoinRoom(roomID ID, username string, userID UserID) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.userIDs[userID]; ok {
		return nil, ErrUserIDExists
	}

	rm, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, banned := rm.bannedUsers[userID]; banned {
		return nil, ErrUserBanned
	}
	if len(rm.users) >= rm.maxUsers {
		return nil, ErrRoomFull
	}

	least, ok := rm.roles.Least()
	if !ok {
		return nil, fmt.Errorf("%w: room has no roles", ErrRoleNotFound)
	}

	rm.users = append(rm.users, User{ID: userID, Username: username, RoleID: least.ID, Connected: false})
	reg.userIDs[userID] = struct{}{}
	rm.appendLogLocked(Log{Type: LogJoinRoom, Details: fmt.Sprintf("%s joined the room", username)})

	return rm, nil
}

// LeaveRoom removes userID from a room. If that user was the room's sole
// remaining owner-equivalent, the room is deleted instead of left with no
// one able to manage it.
func (reg *Registry) LeaveRoom(roomID ID, userID UserID) error {
	alone, err := reg.isOwnerAndAlone(roomID, userID)
	if err != nil {
		return err
	}
	if alone {
		return reg.DeleteRoom(roomID, &userID)
	}

	reg.mu.Lock()
	rm, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	found := false
	var username string
	for i, u := range rm.users {
		if u.ID == userID {
			username = u.Username
			rm.users = append(rm.users[:i], rm.users[i+1:]...)
			found = true
			break
		}
	}
	if found {
		rm.appendLogLocked(Log{Type: LogLeaveRoom, Details: fmt.Sprintf("%s left the room", username)})
	}
	rm.mu.Unlock()
	if !found {
		return ErrUserNotFound
	}

	reg.mu.Lock()
	delete(reg.userIDs, userID)
	reg.mu.Unlock()

	return nil
}

// IsOwnerAndAlone reports whether userID holds room-management permission
// and is the only member who does.
func (reg *Registry) IsOwnerAndAlone(roomID ID, userID UserID) (bool, error) {
	return reg.isOwnerAndAlone(roomID, userID)
}

func (reg *Registry) isOwnerAndAlone(roomID ID, userID UserID) (bool, error) {
	rm, ok := reg.Get(roomID)
	if !ok {
		return false, ErrRoomNotFound
	}

	ro, err := rm.RoleOf(userID)
	if err != nil {
		return false, err
	}
	if !ro.Permissions.ManageRoom {
		return false, nil
	}

	managers := 0
	for _, u := range rm.Users() {
		if ur, err := rm.RoleOf(u.ID); err == nil && ur.Permissions.ManageRoom {
			managers++
		}
	}
	return managers <= 1, nil
}

// KickUser removes a member for cause and logs the action. authorID must
// already have passed the dispatcher's permission check; this method only
// applies the mutation.
func (reg *Registry) KickUser(roomID ID, authorID, userID UserID, reason string) error {
	return reg.removeForCause(roomID, authorID, userID, reason, false)
}

// BanUser removes a member for cause, logs the action, and prevents the
// member from rejoining the room.
func (reg *Registry) BanUser(roomID ID, authorID, userID UserID, reason string) error {
	return reg.removeForCause(roomID, authorID, userID, reason, true)
}

func (reg *Registry) removeForCause(roomID ID, authorID, userID UserID, reason string, ban bool) error {
	rm, ok := reg.Get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	author, ok := rm.FindUser(authorID)
	if !ok {
		return ErrUnreachable
	}
	target, ok := rm.FindUser(userID)
	if !ok {
		return ErrUnreachable
	}

	rm.mu.Lock()
	for i, u := range rm.users {
		if u.ID == userID {
			rm.users = append(rm.users[:i], rm.users[i+1:]...)
			break
		}
	}
	if ban {
		rm.bannedUsers[userID] = struct{}{}
	}
	logType, verb := LogKick, "kicked"
	if ban {
		logType, verb = LogBan, "banned"
	}
	rm.appendLogLocked(Log{
		Type:    logType,
		Details: fmt.Sprintf("User %s %s %s from the room for: %s", author.Username, verb, target.Username, reason),
	})
	rm.mu.Unlock()

	reg.mu.Lock()
	delete(reg.userIDs, userID)
	reg.mu.Unlock()

	return nil
}

// ChangeUsername updates a member's display name in place.
func (reg *Registry) ChangeUsername(roomID ID, userID UserID, username string) error {
	rm, ok := reg.Get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	for i := range rm.users {
		if rm.users[i].ID == userID {
			rm.users[i].Username = username
			return nil
		}
	}
	return ErrUserNotFound
}

// AddTrackToQueue appends a track to a room's queue and records the queue
// depth for observability.
func (reg *Registry) AddTrackToQueue(roomID ID, t Track) error {
	rm, ok := reg.Get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	rm.AddTrack(t)
	metrics.TracksQueueLength.Observe(float64(len(rm.TracksQueue())))
	return nil
}

// PopHeadTrackIfMatches removes the queue head when its id matches trackID.
// It never returns an error for a non-match: that is the expected steady
// state between queue mutations.
func (reg *Registry) PopHeadTrackIfMatches(roomID ID, trackID string) error {
	rm, ok := reg.Get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	rm.PopHeadIfMatches(trackID)
	return nil
}

// AppendLog appends a log entry to a room.
func (reg *Registry) AppendLog(roomID ID, l Log) error {
	rm, ok := reg.Get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	rm.AppendLog(l)
	return nil
}

// Count returns the number of active rooms.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
