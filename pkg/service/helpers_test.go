package service

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// mockConn implements Conn and records every frame sent to it.
type mockConn struct {
	id         string
	remoteAddr string
	headers    http.Header

	mu      sync.Mutex
	sent    []wire.Inbound
	closed  bool
	sendErr error
}

func newMockConn(id string) *mockConn {
	return &mockConn{
		id:         id,
		remoteAddr: "10.0.0.1:52000",
		headers:    http.Header{},
	}
}

func (c *mockConn) ID() string           { return c.id }
func (c *mockConn) RemoteAddr() string   { return c.remoteAddr }
func (c *mockConn) Headers() http.Header { return c.headers }
func (c *mockConn) Subprotocol() string  { return "" }

func (c *mockConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return errors.New("closed")
	}
	msg, err := wire.JSONCodec{}.Decode(data)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// messages returns a copy of everything sent so far.
func (c *mockConn) messages() []wire.Inbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Inbound(nil), c.sent...)
}

// messagesOfType returns the sent messages with the given msg field.
func (c *mockConn) messagesOfType(msgType string) []wire.Inbound {
	var out []wire.Inbound
	for _, m := range c.messages() {
		if m.Type() == msgType {
			out = append(out, m)
		}
	}
	return out
}

// reset forgets everything sent so far.
func (c *mockConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// waitFor polls until cond holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForMessage waits until a message matching pred has been sent and
// returns it.
func (c *mockConn) waitForMessage(t *testing.T, what string, pred func(wire.Inbound) bool) wire.Inbound {
	t.Helper()
	var found wire.Inbound
	waitFor(t, what, func() bool {
		for _, m := range c.messages() {
			if pred(m) {
				found = m
				return true
			}
		}
		return false
	})
	return found
}

func isMsg(msgType, id string) func(wire.Inbound) bool {
	return func(m wire.Inbound) bool {
		got, _ := m.String("id")
		return m.Type() == msgType && got == id
	}
}

// testConfig disables timers so tests control every message.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.ConnectTimeout = 0
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(testConfig())
	t.Cleanup(srv.Close)
	return srv
}

// send encodes msg as JSON and hands it to the server.
func send(t *testing.T, srv *Server, conn *mockConn, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	srv.HandleMessage(conn, data)
}

// connect opens a socket, completes the handshake and returns the session.
func connect(t *testing.T, srv *Server, id string) (*mockConn, *Session) {
	t.Helper()
	conn := newMockConn(id)
	srv.HandleOpen(conn)
	send(t, srv, conn, map[string]any{"msg": "connect", "version": "1", "support": []any{"1", "pre2", "pre1"}})

	connected := conn.messagesOfType(wire.MsgConnected)
	if len(connected) != 1 {
		t.Fatalf("expected connected, got %v", conn.messages())
	}
	sessionID, _ := connected[0].String("session")
	sess, ok := srv.Session(sessionID)
	if !ok {
		t.Fatalf("session %q not registered", sessionID)
	}
	return conn, sess
}

func fieldsOf(m wire.Inbound) map[string]any {
	f, _ := m.Object("fields")
	return f
}
