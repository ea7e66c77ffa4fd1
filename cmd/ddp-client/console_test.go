package main

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddp-protocol/ddp-go/pkg/transport"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// fakeConn is a ClientConnection fed from a channel.
type fakeConn struct {
	mu       sync.Mutex
	sent     []wire.Inbound
	incoming chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 8)}
}

func (c *fakeConn) Subprotocol() string { return "" }
func (c *fakeConn) Close() error        { close(c.incoming); return nil }

func (c *fakeConn) Send(data []byte) error {
	msg, err := wire.JSONCodec{}.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Receive(timeout time.Duration) ([]byte, error) {
	data, ok := <-c.incoming
	if !ok {
		return nil, transport.ErrConnectionClosed
	}
	return data, nil
}

func (c *fakeConn) last() wire.Inbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func TestConsole_Commands(t *testing.T) {
	tests := []struct {
		line  string
		check func(t *testing.T, m wire.Inbound)
	}{
		{
			line: "connect",
			check: func(t *testing.T, m wire.Inbound) {
				assert.Equal(t, wire.MsgConnect, m.Type())
				v, _ := m.String("version")
				assert.Equal(t, "1", v)
				support, _ := m.Strings("support")
				assert.Equal(t, []string{"1", "pre2", "pre1"}, support)
			},
		},
		{
			line: `sub s1 tasks ["alice"]`,
			check: func(t *testing.T, m wire.Inbound) {
				assert.Equal(t, wire.MsgSub, m.Type())
				assert.Equal(t, "s1", m["id"])
				assert.Equal(t, "tasks", m["name"])
				assert.Equal(t, []any{"alice"}, m["params"])
			},
		},
		{
			line: `call tasks.insert {"title": "x"}`,
			check: func(t *testing.T, m wire.Inbound) {
				assert.Equal(t, wire.MsgMethod, m.Type())
				assert.Equal(t, "tasks.insert", m["method"])
				assert.Equal(t, "1", m["id"])
				assert.Equal(t, []any{map[string]any{"title": "x"}}, m["params"])
			},
		},
		{
			line: "unsub s1",
			check: func(t *testing.T, m wire.Inbound) {
				assert.Equal(t, wire.MsgUnsub, m.Type())
				assert.Equal(t, "s1", m["id"])
			},
		},
		{
			line: "PING p7",
			check: func(t *testing.T, m wire.Inbound) {
				assert.Equal(t, wire.MsgPing, m.Type())
				assert.Equal(t, "p7", m["id"])
			},
		},
	}

	conn := newFakeConn()
	var out bytes.Buffer
	c := NewConsole(conn, &out)

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			require.NoError(t, c.Execute(tt.line))
			tt.check(t, conn.last())
		})
	}
	assert.Contains(t, out.String(), `-> {"msg":"connect"`)
}

func TestConsole_Errors(t *testing.T) {
	c := NewConsole(newFakeConn(), &bytes.Buffer{})

	for _, line := range []string{"sub s1", "unsub", "call", "call m [1,", "frobnicate"} {
		assert.Error(t, c.Execute(line), line)
	}
	assert.True(t, errors.Is(c.Execute("quit"), errQuit))
	assert.NoError(t, c.Execute("   "))
}

func TestConsole_ReadLoopAnswersPings(t *testing.T) {
	conn := newFakeConn()
	var out safeBuffer
	c := NewConsole(conn, &out)

	done := make(chan error, 1)
	go func() { done <- c.ReadLoop() }()

	conn.incoming <- []byte(`{"msg":"added","collection":"tasks","id":"t1","fields":{"a":1}}`)
	conn.incoming <- []byte(`{"msg":"ping","id":"h1"}`)
	conn.incoming <- []byte(`not json`)
	require.Eventually(t, func() bool {
		m := conn.last()
		return m != nil && m.Type() == wire.MsgPong
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "h1", conn.last()["id"])

	conn.Close()
	assert.ErrorIs(t, <-done, transport.ErrConnectionClosed)

	text := out.String()
	assert.Contains(t, text, `<- {"collection":"tasks","fields":{"a":1},"id":"t1","msg":"added"}`)
	assert.True(t, strings.Contains(text, "undecodable frame"))
}

func TestParseParams(t *testing.T) {
	params, err := parseParams("")
	require.NoError(t, err)
	assert.Nil(t, params)

	params, err = parseParams(`[1, "a"]`)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), "a"}, params)

	params, err = parseParams(`"solo"`)
	require.NoError(t, err)
	assert.Equal(t, []any{"solo"}, params)
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
