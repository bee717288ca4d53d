// Package logging configures a single process-wide zap logger and attaches
// request-scoped fields (room id, user id, correlation id) via context.
package logging

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snoupix/sharify-go/internal/identity"
)

// userIDLogWidth is the fixed pair-count every user-id is padded/cycled to
// before it's attached to a log line, so log lines never carry the raw
// caller-supplied id verbatim.
const userIDLogWidth = 4

type ctxKey int

const (
	keyCorrelationID ctxKey = iota
	keyRoomID
	keyUserID
)

var (
	once   sync.Once
	logger *zap.Logger
)

// Init builds the global logger from a level name ("debug", "info", "warn",
// "error"); isProd selects JSON output, otherwise a console encoder is used.
// Safe to call more than once; only the first call takes effect.
func Init(level string, isProd bool) {
	once.Do(func() {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			lvl = zapcore.InfoLevel
		}

		cfg := zap.NewProductionConfig()
		if !isProd {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.OutputPaths = []string{"stdout"}

		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
}

// L returns the global logger, building a no-op fallback if Init was never
// called (e.g. in package tests).
func L() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// WithRoom returns a context decorated with a room id for later field
// extraction by From.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, keyRoomID, roomID)
}

// WithUser returns a context decorated with a user id, encoded through
// internal/identity to a fixed-width opaque form rather than carried
// verbatim, so raw caller-supplied ids never reach log output.
func WithUser(ctx context.Context, userID string) context.Context {
	encoded := identity.Encode(userID, userIDLogWidth)
	if encoded == "" {
		encoded = userID
	}
	return context.WithValue(ctx, keyUserID, encoded)
}

// WithCorrelationID returns a context decorated with a correlation id, used
// to tie together the log lines of one inbound request or session.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// From returns the global logger with whatever room/user/correlation fields
// were attached to ctx spliced in.
func From(ctx context.Context) *zap.Logger {
	l := L()
	if v, ok := ctx.Value(keyCorrelationID).(string); ok && v != "" {
		l = l.With(zap.String("correlation_id", v))
	}
	if v, ok := ctx.Value(keyRoomID).(string); ok && v != "" {
		l = l.With(zap.String("room_id", v))
	}
	if v, ok := ctx.Value(keyUserID).(string); ok && v != "" {
		l = l.With(zap.String("user_id", v))
	}
	return l
}

// RedactEmail masks all but the first character of the local part of an
// email address, for inclusion in log lines. Non-email input is returned
// unchanged.
func RedactEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at:]
	return local[:1] + strings.Repeat("*", len(local)-1) + domain
}

// Sync flushes buffered log entries; call once during graceful shutdown.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
