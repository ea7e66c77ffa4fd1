package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ddp-protocol/ddp-go/pkg/log"
	"github.com/ddp-protocol/ddp-go/pkg/transport"
)

// Service errors.
var (
	ErrMethodExists          = errors.New("method already defined")
	ErrSessionClosed         = errors.New("session closed")
	ErrSetUserIDNotAllowed   = errors.New("can't call SetUserID on a server initiated method call")
	ErrSetUserIDAfterUnblock = errors.New("can't call SetUserID in a method after calling Unblock")
	ErrInvalidPublishResult  = errors.New("publish function can only return a Cursor or an array of Cursors")
	ErrNonCursorArray        = errors.New("publish function returned an array of non-Cursors")
	ErrDuplicateCursor       = errors.New("publish function returned multiple cursors for collection")
)

// Default timeouts.
const (
	DefaultConnectTimeout = 30 * time.Second
)

// Conn is the transport connection a session talks through.
type Conn = transport.Conn

// PublishHandler runs when a client subscribes to a publication, or on
// every connection for a universal publication. It returns nil, a Cursor,
// a []Cursor (or []any of cursors) with distinct collections, and reports
// failure through the error.
type PublishHandler func(sub *Subscription, params []any) (any, error)

// MethodHandler runs a method call. A nil result is omitted from the reply.
type MethodHandler func(inv *MethodInvocation, params []any) (any, error)

// Config configures a Server.
type Config struct {
	// HeartbeatInterval between liveness checks. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout after an unanswered ping (default: 15s).
	HeartbeatTimeout time.Duration

	// RespondToPings answers client pings with pong.
	RespondToPings bool

	// ForwardedCount is the number of proxies in front of the server. When
	// non-zero the client address is read from X-Forwarded-For.
	ForwardedCount int

	// ConnectTimeout closes sockets that have not completed the connect
	// handshake in time. Zero disables the check.
	ConnectTimeout time.Duration

	// Logger is the optional logger for operational output.
	Logger *slog.Logger

	// ProtocolLogger receives every DDP message and session state change
	// (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: transport.DefaultHeartbeatInterval,
		HeartbeatTimeout:  transport.DefaultHeartbeatTimeout,
		RespondToPings:    true,
		ConnectTimeout:    DefaultConnectTimeout,
	}
}

// SessionState is the lifecycle state of a session as recorded in protocol
// capture files.
type SessionState string

const (
	SessionConnected   SessionState = "CONNECTED"
	SessionUserChanged SessionState = "USER_CHANGED"
	SessionClosed      SessionState = "CLOSED"
)
