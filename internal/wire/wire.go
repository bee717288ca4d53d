// Package wire defines the session binary protocol: the Command and
// CommandResponse envelopes exchanged over a participant's WebSocket, and
// the HTTP-side CreateRoom/GetRoom/JoinRoom request/response pair.
//
// The wire format itself is intentionally boring: encoding/gob framed with a
// four-byte big-endian length prefix. A real deployment of this system
// speaks generated protobuf here, but the .proto schemas and codegen
// pipeline are out of scope for this repo (see spec section 6); gob gives
// us the same "opaque serializer" shape — a typed envelope that is encoded
// once at the edge and never inspected by the room runtime - without
// depending on a code generator this module can't run.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single encoded frame, client or server side.
const MaxFrameSize = 128 * 1024

// CommandKind discriminates the variants a participant's session may send.
type CommandKind int

const (
	CmdGetRoom CommandKind = iota
	CmdLeaveRoom
	CmdSearch
	CmdAddToQueue
	CmdSetVolume
	CmdPlayResume
	CmdPause
	CmdSkipNext
	CmdSkipPrevious
	CmdSeekToPos
	CmdKick
	CmdBan
	CmdCreateRole
	CmdRenameRole
	CmdDeleteRole
	CmdChangeUsername
)

// Command is one decoded inbound frame. Only the fields relevant to Kind are
// populated; the rest are left zero.
type Command struct {
	Kind CommandKind

	Query      string // Search
	TrackID    string // AddToQueue, SeekToPos (track reference), Search result selection
	TrackName  string
	DurationMS uint32
	VolumePct  uint8  // SetVolume
	PositionMS uint64 // SeekToPos

	TargetUserID string // Kick, Ban
	Reason       string // Kick, Ban

	RoleID   string // RenameRole, DeleteRole
	RoleName string // CreateRole, RenameRole

	Permissions RolePermissions // CreateRole

	Username string // ChangeUsername
}

// RolePermissions mirrors role.Permissions on the wire, decoupled so the
// wire package never imports the domain model.
type RolePermissions struct {
	UseControls  bool
	ManageUsers  bool
	AddSong      bool
	AddModerator bool
	ManageRoom   bool
}

// ResponseKind discriminates a CommandResponse payload.
type ResponseKind int

const (
	RespOK ResponseKind = iota
	RespRoomSnapshot
	RespPlaybackSnapshot
	RespTracksSnapshot
	RespSearchResults
	RespError
	RespKickNotice
	RespBanNotice
	RespRateLimited
)

// CommandResponse is one encoded outbound frame.
type CommandResponse struct {
	Kind ResponseKind

	Room     *RoomSnapshot
	Playback *PlaybackSnapshot
	Tracks   []TrackSnapshot
	Search   []TrackSnapshot

	ErrorCode    string
	ErrorMessage string

	NoticeReason string // Kick/Ban notice shown to the evicted participant

	RetryAfterSeconds int64 // RateLimited
}

// RoomSnapshot is the wire projection of room.Room's observable state.
type RoomSnapshot struct {
	ID       string
	Name     string
	Password string
	MaxUsers int

	Users       []UserSnapshot
	BannedUsers []string
	Roles       []RoleSnapshot
	Queue       []TrackSnapshot
	Logs        []LogSnapshot
}

type UserSnapshot struct {
	ID        string
	Username  string
	RoleID    string
	Connected bool
}

type RoleSnapshot struct {
	ID          string
	Name        string
	Permissions RolePermissions
}

type TrackSnapshot struct {
	UserID     string
	TrackID    string
	TrackName  string
	ArtistName string
	DurationMS int64
}

type LogSnapshot struct {
	Type    string
	Details string
	AtUnix  int64
}

type PlaybackSnapshot struct {
	IsPlaying    bool
	ProgressMS   *uint64
	DurationMS   uint64
	DeviceVolume uint8
	Track        TrackSnapshot
}

// HTTPCommandKind discriminates the bootstrap POST /v1 body.
type HTTPCommandKind int

const (
	HTTPCreateRoom HTTPCommandKind = iota
	HTTPGetRoom
	HTTPJoinRoom
)

// HTTPCommand is the decoded body of POST /v1.
type HTTPCommand struct {
	Kind HTTPCommandKind

	UserID   string
	Username string
	RoomID   string
	RoomName string

	Credentials *Credentials
}

type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	CreatedAt    int64
}

func init() {
	gob.Register(Command{})
	gob.Register(CommandResponse{})
	gob.Register(HTTPCommand{})
}

// Encode frames v as a length-prefixed gob blob. It fails if the encoded
// size would exceed MaxFrameSize.
func Encode(v any) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encoding frame: %w", err)
	}
	if body.Len() > MaxFrameSize {
		return nil, fmt.Errorf("wire: encoded frame of %d bytes exceeds max %d", body.Len(), MaxFrameSize)
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

// Decode reads a length-prefixed gob blob into v.
func Decode(buf []byte, v any) error {
	if len(buf) < 4 {
		return fmt.Errorf("wire: frame shorter than length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if int(n) > len(buf)-4 {
		return fmt.Errorf("wire: length prefix %d exceeds payload of %d bytes", n, len(buf)-4)
	}
	if n > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	dec := gob.NewDecoder(bytes.NewReader(buf[4 : 4+n]))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("wire: decoding frame: %w", err)
	}
	return nil
}

// EncodeCommand and DecodeCommand are the client->server direction.
func EncodeCommand(c Command) ([]byte, error) { return Encode(c) }

func DecodeCommand(buf []byte) (Command, error) {
	var c Command
	err := Decode(buf, &c)
	return c, err
}

// EncodeResponse and DecodeResponse are the server->client direction.
func EncodeResponse(r CommandResponse) ([]byte, error) { return Encode(r) }

func DecodeResponse(buf []byte) (CommandResponse, error) {
	var r CommandResponse
	err := Decode(buf, &r)
	return r, err
}
