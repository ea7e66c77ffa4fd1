package service

import (
	"sync/atomic"
	"testing"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// ownedTasks publishes one document per task the current user owns.
func ownedTasks(owned map[string][]string) PublishHandler {
	return func(sub *Subscription, params []any) (any, error) {
		for _, id := range owned[sub.UserID()] {
			sub.Added("tasks", id, wire.Fields{"owner": sub.UserID()})
		}
		sub.Ready()
		return nil, nil
	}
}

func registerLogin(srv *Server) {
	srv.Method("login", func(inv *MethodInvocation, params []any) (any, error) {
		user, _ := params[0].(string)
		return nil, inv.SetUserID(user)
	})
}

func TestSetUserID_RerunsSubscriptionsAndSendsDiff(t *testing.T) {
	srv := newTestServer(t)
	srv.Publish("tasks", ownedTasks(map[string][]string{
		"":      {"public"},
		"alice": {"public", "a1"},
	}))
	var stops atomic.Int32
	srv.Publish("watch", func(sub *Subscription, params []any) (any, error) {
		sub.OnStop(func() { stops.Add(1) })
		sub.Ready()
		return nil, nil
	})
	registerLogin(srv)

	conn, sess := connect(t, srv, "c1")
	send(t, srv, conn, map[string]any{"msg": "sub", "id": "s1", "name": "tasks"})
	send(t, srv, conn, map[string]any{"msg": "sub", "id": "s2", "name": "watch"})
	waitFor(t, "both ready", func() bool { return len(conn.messagesOfType(wire.MsgReady)) == 2 })

	conn.reset()
	send(t, srv, conn, map[string]any{"msg": "method", "id": "m1", "method": "login", "params": []any{"alice"}})
	conn.waitForMessage(t, "result", isMsg(wire.MsgResult, "m1"))

	if sess.UserID() != "alice" {
		t.Fatalf("UserID: got %q", sess.UserID())
	}
	if stops.Load() != 1 {
		t.Errorf("old subscription stop callbacks: got %d", stops.Load())
	}

	msgs := conn.messages()
	var types []string
	for _, m := range msgs {
		types = append(types, m.Type())
	}

	// public: owner "" -> "alice" is a changed; a1 is new; both subs are
	// ready again once.
	added := conn.messagesOfType(wire.MsgAdded)
	changed := conn.messagesOfType(wire.MsgChanged)
	if len(added) != 1 || len(changed) != 1 {
		t.Fatalf("expected one added and one changed, got %v", types)
	}
	if id, _ := added[0].String("id"); id != "a1" {
		t.Errorf("added id: got %q", id)
	}
	if id, _ := changed[0].String("id"); id != "public" {
		t.Errorf("changed id: got %q", id)
	}
	if len(conn.messagesOfType(wire.MsgRemoved)) != 0 || len(conn.messagesOfType(wire.MsgNosub)) != 0 {
		t.Errorf("user switch must not remove or nosub, got %v", types)
	}

	ready := conn.messagesOfType(wire.MsgReady)
	if len(ready) != 1 {
		t.Fatalf("expected buffered ready flushed once, got %v", types)
	}
	subs, _ := ready[0].Strings("subs")
	if len(subs) != 2 || subs[0] != "s1" || subs[1] != "s2" {
		t.Errorf("ready subs: got %v", subs)
	}

	conn.reset()
	send(t, srv, conn, map[string]any{"msg": "method", "id": "m2", "method": "login", "params": []any{""}})
	conn.waitForMessage(t, "result", isMsg(wire.MsgResult, "m2"))
	removed := conn.messagesOfType(wire.MsgRemoved)
	if len(removed) != 1 {
		t.Fatalf("logout: expected a1 removed, got %v", conn.messages())
	}
}

// During a user switch, changes made while sending is off are not
// buffered: the client only sees their net effect through the final diff.
// Intermediate states are lost, which is a known edge case of the
// protocol.
func TestSetUserID_BlackoutChangesOnlyVisibleThroughDiff(t *testing.T) {
	srv := newTestServer(t)
	srv.Publish("counter", func(sub *Subscription, params []any) (any, error) {
		sub.Added("counters", "c", wire.Fields{"n": 0})
		if sub.UserID() != "" {
			// Runs while the client view is frozen.
			sub.Changed("counters", "c", wire.Fields{"n": 1})
			sub.Changed("counters", "c", wire.Fields{"n": 2})
			sub.Added("counters", "tmp", wire.Fields{"n": 9})
			sub.Removed("counters", "tmp")
		}
		sub.Ready()
		return nil, nil
	})
	registerLogin(srv)

	conn, _ := connect(t, srv, "c1")
	send(t, srv, conn, map[string]any{"msg": "sub", "id": "s1", "name": "counter"})
	conn.waitForMessage(t, "ready", isMsg(wire.MsgReady, ""))

	conn.reset()
	send(t, srv, conn, map[string]any{"msg": "method", "id": "m1", "method": "login", "params": []any{"bob"}})
	conn.waitForMessage(t, "result", isMsg(wire.MsgResult, "m1"))

	changed := conn.messagesOfType(wire.MsgChanged)
	if len(changed) != 1 {
		t.Fatalf("expected a single changed, got %v", conn.messages())
	}
	if fieldsOf(changed[0])["n"] != float64(2) {
		t.Errorf("changed: got %v", changed[0])
	}
	for _, m := range conn.messages() {
		if id, _ := m.String("id"); id == "tmp" {
			t.Errorf("transient document leaked to the client: %v", m)
		}
	}
}
