package transport

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Conn is the server side of one websocket connection as seen by a DDP
// session.
type Conn interface {
	// ID returns the connection identifier (UUID).
	ID() string

	// Send queues an encoded message. It never blocks; if the outbound
	// queue is full the connection is closed and ErrSendQueueFull returned.
	Send(data []byte) error

	// Close flushes queued messages and closes the connection.
	Close() error

	// RemoteAddr returns the peer address as host:port.
	RemoteAddr() string

	// Headers returns the HTTP headers of the upgrade request.
	Headers() http.Header

	// Subprotocol returns the negotiated websocket subprotocol, if any.
	Subprotocol() string
}

// ClientConnection is the client side of a DDP websocket.
type ClientConnection interface {
	Send(data []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
	Subprotocol() string
}

// TransportServer accepts DDP websocket connections.
type TransportServer interface {
	http.Handler
	Start(ctx context.Context) error
	Stop() error
	Addr() net.Addr
	ConnectionCount() int
}

// Compile-time interface satisfaction checks.
var (
	_ Conn             = (*ServerConn)(nil)
	_ ClientConnection = (*ClientConn)(nil)
	_ TransportServer  = (*Server)(nil)
)
