package service

import (
	"net"
	"net/http"
	"strings"
)

// Connection is the handle publishers, methods and OnConnection hooks get
// for the client connection behind a session.
type Connection struct {
	session       *Session
	id            string
	clientAddress string
	httpHeaders   http.Header
}

func newConnection(s *Session, forwardedCount int) *Connection {
	return &Connection{
		session:       s,
		id:            s.id,
		clientAddress: clientAddress(s.conn, forwardedCount),
		httpHeaders:   s.conn.Headers(),
	}
}

// ID returns the session id.
func (c *Connection) ID() string {
	return c.id
}

// Close closes the session and its socket.
func (c *Connection) Close() {
	c.session.Close()
}

// OnClose registers fn to run after the session closes. If the session is
// already closed fn runs right away in its own goroutine.
func (c *Connection) OnClose(fn func()) {
	c.session.onClose(fn)
}

// ClientAddress returns the client IP, or "" when it cannot be determined
// from the configured proxy count.
func (c *Connection) ClientAddress() string {
	return c.clientAddress
}

// HTTPHeaders returns the headers of the websocket upgrade request.
func (c *Connection) HTTPHeaders() http.Header {
	return c.httpHeaders
}

// clientAddress resolves the client IP. With forwardedCount proxies in
// front of the server the address is the forwardedCount-th entry from the
// end of X-Forwarded-For.
func clientAddress(conn Conn, forwardedCount int) string {
	if forwardedCount == 0 {
		host, _, err := net.SplitHostPort(conn.RemoteAddr())
		if err != nil {
			return conn.RemoteAddr()
		}
		return host
	}

	header := conn.Headers().Get("X-Forwarded-For")
	if header == "" {
		return ""
	}
	parts := strings.Split(strings.TrimSpace(header), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	if forwardedCount < 0 || forwardedCount > len(parts) {
		return ""
	}
	return parts[len(parts)-forwardedCount]
}
