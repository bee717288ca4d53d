// Package httpapi wires the bootstrap HTTP surface: health, the PKCE
// helpers a client uses before it ever talks to the provider, the
// length-delimited POST /v1 room-bootstrap endpoint, and the WebSocket
// upgrade that hands a connection off to the session loop.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snoupix/sharify-go/internal/logging"
	"github.com/snoupix/sharify-go/internal/room"
	"github.com/snoupix/sharify-go/internal/session"
	"github.com/snoupix/sharify-go/internal/wire"
)

const codeVerifierLen = 128

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wire.MaxFrameSize,
	WriteBufferSize: wire.MaxFrameSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server bundles the shared registries and loop driver the handlers need.
type Server struct {
	Rooms    *room.Registry
	Sessions *session.Registry
	Loop     *session.Loop

	SpotifyClientID string

	// RateLimiter is optional; when nil no per-peer limit is enforced.
	RateLimiter *PeerRateLimiter
}

// NewRouter builds the gin engine with a permissive CORS policy, as
// required by spec section 6.
func (s *Server) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"*"}
	r.Use(cors.New(corsCfg))

	if s.RateLimiter != nil {
		r.Use(s.RateLimiter.Middleware())
	}

	r.GET("/", s.handleHealth)
	r.GET("/v1/code_verifier", s.handleCodeVerifier)
	r.GET("/v1/code_challenge/:verifier", s.handleCodeChallenge)
	r.POST("/v1", s.handleV1Command)
	r.GET("/v1/:room_id/:user_id", s.handleWebSocket)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.Status(http.StatusOK)
}

const codeVerifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// handleCodeVerifier returns a 128-char alphanumeric PKCE code verifier.
func (s *Server) handleCodeVerifier(c *gin.Context) {
	c.String(http.StatusOK, "%s", randomAlphanumeric(codeVerifierLen))
}

func randomAlphanumeric(n int) string {
	b := make([]byte, n)
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failing means the process environment is broken;
		// there is no safe fallback for a security-sensitive value.
		panic(err)
	}
	for i, v := range raw {
		b[i] = codeVerifierAlphabet[int(v)%len(codeVerifierAlphabet)]
	}
	return string(b)
}

// handleCodeChallenge derives the PKCE S256 code challenge for a given
// verifier: URL-safe base64(SHA-256(verifier)) with padding stripped.
func (s *Server) handleCodeChallenge(c *gin.Context) {
	verifier := c.Param("verifier")
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	c.String(http.StatusOK, "%s", challenge)
}

// handleV1Command decodes a length-delimited wire.HTTPCommand body and
// dispatches CreateRoom, GetRoom or JoinRoom.
func (s *Server) handleV1Command(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, wire.MaxFrameSize))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	var cmd wire.HTTPCommand
	if err := wire.Decode(body, &cmd); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	switch cmd.Kind {
	case wire.HTTPCreateRoom:
		s.createRoom(c, cmd)
	case wire.HTTPGetRoom:
		s.getRoom(c, cmd)
	case wire.HTTPJoinRoom:
		s.joinRoom(c, cmd)
	default:
		c.Status(http.StatusServiceUnavailable)
	}
}

func (s *Server) createRoom(c *gin.Context, cmd wire.HTTPCommand) {
	var creds room.Credentials
	if cmd.Credentials != nil {
		creds = room.Credentials{
			AccessToken:  cmd.Credentials.AccessToken,
			RefreshToken: cmd.Credentials.RefreshToken,
			ExpiresIn:    cmd.Credentials.ExpiresIn,
			CreatedAt:    cmd.Credentials.CreatedAt,
		}
	}

	rm, err := s.Rooms.CreateRoom(room.UserID(cmd.UserID), cmd.Username, cmd.RoomName, s.SpotifyClientID, creds)
	if err != nil {
		writeRoomError(c, err)
		return
	}

	logging.From(c.Request.Context()).Info("room created",
		zap.String("room_name", cmd.RoomName), zap.String("username", logging.RedactEmail(cmd.Username)))
	writeEncoded(c, http.StatusCreated, wire.CommandResponse{Kind: wire.RespRoomSnapshot, Room: snapshotPtr(rm)})
}

func (s *Server) getRoom(c *gin.Context, cmd wire.HTTPCommand) {
	id, err := uuid.Parse(cmd.RoomID)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	rm, ok := s.Rooms.Get(id)
	if !ok {
		writeRoomError(c, room.ErrRoomNotFound)
		return
	}
	writeEncoded(c, http.StatusOK, wire.CommandResponse{Kind: wire.RespRoomSnapshot, Room: snapshotPtr(rm)})
}

func (s *Server) joinRoom(c *gin.Context, cmd wire.HTTPCommand) {
	id, err := uuid.Parse(cmd.RoomID)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	rm, err := s.Rooms.JoinRoom(id, cmd.Username, room.UserID(cmd.UserID))
	if err != nil {
		writeRoomError(c, err)
		return
	}
	writeEncoded(c, http.StatusOK, wire.CommandResponse{Kind: wire.RespRoomSnapshot, Room: snapshotPtr(rm)})
}

func writeRoomError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrUserBanned), errors.Is(err, room.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, room.ErrRoomFull), errors.Is(err, room.ErrUserIDExists):
		status = http.StatusBadRequest
	}
	writeEncoded(c, status, wire.CommandResponse{Kind: wire.RespError, ErrorCode: "RoomError", ErrorMessage: err.Error()})
}

func writeEncoded(c *gin.Context, status int, resp wire.CommandResponse) {
	buf, err := wire.EncodeResponse(resp)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/octet-stream", buf)
}

func snapshotPtr(rm *room.Room) *wire.RoomSnapshot {
	s := rm.Snapshot()
	return &s
}

// handleWebSocket upgrades GET /v1/{room_id}/{user_id} to a WebSocket and
// hands the connection to the session loop. It rejects the upgrade with 400
// if the room doesn't exist, 401 if the caller isn't a member or is banned.
func (s *Server) handleWebSocket(c *gin.Context) {
	roomIDRaw := c.Param("room_id")
	userIDRaw := c.Param("user_id")

	roomID, err := uuid.Parse(roomIDRaw)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	rm, ok := s.Rooms.Get(roomID)
	if !ok {
		c.Status(http.StatusBadRequest)
		return
	}

	userID := room.UserID(userIDRaw)
	if _, found := rm.FindUser(userID); !found {
		c.Status(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.From(c.Request.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context is canceled by net/http the instant this handler
	// returns, including for a hijacked connection; the session loop must
	// outlive the upgrade request, so it gets a detached context carrying
	// only the log decorations, not the cancellation.
	ctx := logging.WithRoom(logging.WithUser(context.WithoutCancel(c.Request.Context()), userIDRaw), roomIDRaw)
	go s.Loop.Serve(ctx, conn, roomID, userID)
}
