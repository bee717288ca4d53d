package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCommandRoundTrip(t *testing.T) {
	cmd := Command{
		Kind:       CmdAddToQueue,
		TrackID:    "track-123",
		TrackName:  "A Song",
		DurationMS: 180000,
	}

	buf, err := EncodeCommand(cmd)
	require.NoError(t, err)

	got, err := DecodeCommand(buf)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	resp := CommandResponse{
		Kind: RespRoomSnapshot,
		Room: &RoomSnapshot{
			ID:       "room-1",
			Name:     "Listening Room",
			MaxUsers: 15,
			Users: []UserSnapshot{
				{ID: "u1", Username: "alice", Connected: true},
			},
		},
	}

	buf, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, resp.Kind, got.Kind)
	require.NotNil(t, got.Room)
	assert.Equal(t, resp.Room.ID, got.Room.ID)
	assert.Equal(t, resp.Room.Users, got.Room.Users)
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	huge := strings.Repeat("x", MaxFrameSize+1)
	_, err := Encode(Command{Kind: CmdSearch, Query: huge})
	assert.Error(t, err)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	var c Command
	err := Decode([]byte{0, 0, 1}, &c)
	assert.Error(t, err)
}

func TestDecodeRejectsLengthPrefixPastPayload(t *testing.T) {
	var c Command
	err := Decode([]byte{0, 0, 0, 100, 1, 2}, &c)
	assert.Error(t, err)
}

func TestHTTPCommandRoundTrip(t *testing.T) {
	cmd := HTTPCommand{
		Kind:     HTTPCreateRoom,
		UserID:   "u1",
		Username: "alice",
		RoomName: "Friday Night",
		Credentials: &Credentials{
			AccessToken: "tok", RefreshToken: "rtok", ExpiresIn: 3600, CreatedAt: 1000,
		},
	}
	buf, err := Encode(cmd)
	require.NoError(t, err)

	var got HTTPCommand
	require.NoError(t, Decode(buf, &got))
	assert.Equal(t, cmd, got)
}
