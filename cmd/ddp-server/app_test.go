package main

import (
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddp-protocol/ddp-go/pkg/service"
	"github.com/ddp-protocol/ddp-go/pkg/store"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// recordingConn is a transport.Conn that keeps every decoded frame.
type recordingConn struct {
	mu     sync.Mutex
	sent   []wire.Inbound
	closed bool
}

func (c *recordingConn) ID() string           { return "conn-1" }
func (c *recordingConn) RemoteAddr() string   { return "127.0.0.1:40000" }
func (c *recordingConn) Headers() http.Header { return http.Header{} }
func (c *recordingConn) Subprotocol() string  { return "" }

func (c *recordingConn) Send(data []byte) error {
	msg, err := wire.JSONCodec{}.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) find(pred func(wire.Inbound) bool) []wire.Inbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Inbound
	for _, m := range c.sent {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}

// waitOne waits for a message matching pred and returns the first one.
func (c *recordingConn) waitOne(t *testing.T, what string, pred func(wire.Inbound) bool) wire.Inbound {
	t.Helper()
	var found []wire.Inbound
	require.Eventually(t, func() bool {
		found = c.find(pred)
		return len(found) > 0
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", what)
	return found[0]
}

func msgIs(msgType, key, value string) func(wire.Inbound) bool {
	return func(m wire.Inbound) bool {
		got, _ := m.String(key)
		return m.Type() == msgType && got == value
	}
}

type testEnv struct {
	t    *testing.T
	srv  *service.Server
	db   *store.DB
	conn *recordingConn
	seq  int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := service.DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.ConnectTimeout = 0
	srv := service.NewServer(cfg)
	t.Cleanup(srv.Close)

	_, err = NewApp(srv, db, 0, nil)
	require.NoError(t, err)

	env := &testEnv{t: t, srv: srv, db: db, conn: &recordingConn{}}
	srv.HandleOpen(env.conn)
	env.send(map[string]any{"msg": "connect", "version": "1", "support": []any{"1"}})
	env.conn.waitOne(t, "connected", func(m wire.Inbound) bool { return m.Type() == wire.MsgConnected })
	return env
}

func (e *testEnv) send(msg map[string]any) {
	e.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(e.t, err)
	e.srv.HandleMessage(e.conn, data)
}

// call runs a method and returns its result message.
func (e *testEnv) call(method string, params ...any) wire.Inbound {
	e.t.Helper()
	e.seq++
	id := "m" + strconv.Itoa(e.seq)
	if params == nil {
		params = []any{}
	}
	e.send(map[string]any{"msg": "method", "id": id, "method": method, "params": params})
	return e.conn.waitOne(e.t, "result of "+method, msgIs(wire.MsgResult, "id", id))
}

func errorCode(m wire.Inbound) any {
	e, _ := m.Object("error")
	return e["error"]
}

func TestApp_StatusPublishedOnConnect(t *testing.T) {
	env := newTestEnv(t)
	added := env.conn.waitOne(t, "status", msgIs(wire.MsgAdded, "collection", StatusCollection))
	fields, _ := added.Object("fields")
	assert.Equal(t, float64(1), fields["sessions"])
	assert.NotEmpty(t, fields["startedAt"])
}

func TestApp_TaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.send(map[string]any{"msg": "sub", "id": "s1", "name": "tasks"})
	env.conn.waitOne(t, "ready", msgIs(wire.MsgReady, "msg", wire.MsgReady))

	res := env.call("tasks.insert", map[string]any{"_id": "t1", "title": "write docs", "done": false})
	assert.Equal(t, "t1", res["result"])

	added := env.conn.waitOne(t, "added t1", msgIs(wire.MsgAdded, "id", "t1"))
	fields, _ := added.Object("fields")
	assert.Equal(t, "write docs", fields["title"])
	env.conn.waitOne(t, "updated", func(m wire.Inbound) bool { return m.Type() == wire.MsgUpdated })

	env.call("tasks.update", "t1", map[string]any{"done": true, "title": nil})
	changed := env.conn.waitOne(t, "changed t1", msgIs(wire.MsgChanged, "id", "t1"))
	fields, _ = changed.Object("fields")
	assert.Equal(t, true, fields["done"])
	cleared, _ := changed.Strings("cleared")
	assert.Equal(t, []string{"title"}, cleared)

	env.call("tasks.remove", "t1")
	env.conn.waitOne(t, "removed t1", msgIs(wire.MsgRemoved, "id", "t1"))

	res = env.call("tasks.remove", "t1")
	assert.Equal(t, float64(404), errorCode(res))

	res = env.call("tasks.insert", map[string]any{"_id": "t2"})
	require.Equal(t, "t2", res["result"])
	res = env.call("tasks.insert", map[string]any{"_id": "t2"})
	assert.Equal(t, float64(409), errorCode(res))
}

func TestApp_OwnerFilterAndMatchErrors(t *testing.T) {
	env := newTestEnv(t)
	env.call("tasks.insert", map[string]any{"_id": "a", "owner": "alice"})
	env.call("tasks.insert", map[string]any{"_id": "b", "owner": "bob"})

	env.send(map[string]any{"msg": "sub", "id": "s1", "name": "tasks", "params": []any{"bob"}})
	env.conn.waitOne(t, "ready", msgIs(wire.MsgReady, "msg", wire.MsgReady))
	assert.Len(t, env.conn.find(msgIs(wire.MsgAdded, "id", "b")), 1)
	assert.Empty(t, env.conn.find(msgIs(wire.MsgAdded, "id", "a")))

	env.send(map[string]any{"msg": "sub", "id": "s2", "name": "tasks", "params": []any{42}})
	nosub := env.conn.waitOne(t, "nosub", msgIs(wire.MsgNosub, "id", "s2"))
	assert.Equal(t, float64(400), errorCode(nosub))

	for _, tc := range []struct {
		method string
		params []any
	}{
		{"tasks.insert", []any{"not an object"}},
		{"tasks.update", []any{}},
		{"tasks.remove", []any{7}},
		{"login", []any{""}},
	} {
		res := env.call(tc.method, tc.params...)
		assert.Equal(t, float64(400), errorCode(res), tc.method)
	}
}

func TestApp_LoginRerunsMyTasks(t *testing.T) {
	env := newTestEnv(t)
	env.call("tasks.insert", map[string]any{"_id": "a", "owner": "alice"})

	env.send(map[string]any{"msg": "sub", "id": "mine", "name": "tasks.mine"})
	env.conn.waitOne(t, "ready", msgIs(wire.MsgReady, "msg", wire.MsgReady))
	assert.Empty(t, env.conn.find(msgIs(wire.MsgAdded, "id", "a")))

	res := env.call("login", "alice")
	assert.Equal(t, "alice", res["result"])
	env.conn.waitOne(t, "alice's task", msgIs(wire.MsgAdded, "id", "a"))

	// Inserts after login default the owner to the user.
	res = env.call("tasks.insert", map[string]any{"_id": "c"})
	require.Equal(t, "c", res["result"])
	added := env.conn.waitOne(t, "new task", msgIs(wire.MsgAdded, "id", "c"))
	fields, _ := added.Object("fields")
	assert.Equal(t, "alice", fields["owner"])

	env.call("logout")
	env.conn.waitOne(t, "removed on logout", msgIs(wire.MsgRemoved, "id", "a"))
}

func TestApp_Echo(t *testing.T) {
	env := newTestEnv(t)
	res := env.call("echo", "x", float64(1), map[string]any{"k": "v"})
	assert.Equal(t, []any{"x", float64(1), map[string]any{"k": "v"}}, res["result"])
}
