package service

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestConnTracker_AddAndRemove(t *testing.T) {
	ct := newConnTracker()
	conn := newMockConn("c1")

	ct.Add(conn)
	if ct.Len() != 1 {
		t.Errorf("Len after Add: expected 1, got %d", ct.Len())
	}

	if !ct.Remove(conn) {
		t.Error("Remove should report a tracked socket")
	}
	if ct.Len() != 0 {
		t.Errorf("Len after Remove: expected 0, got %d", ct.Len())
	}
	if ct.Remove(conn) {
		t.Error("second Remove should report false")
	}
}

func TestConnTracker_CloseStale_ClosesOldConnections(t *testing.T) {
	ct := newConnTracker()

	stale := newMockConn("stale")
	fresh := newMockConn("fresh")

	ct.Add(stale)
	ct.mu.Lock()
	ct.conns[stale] = time.Now().Add(-2 * time.Minute)
	ct.mu.Unlock()

	ct.Add(fresh)

	closed := ct.CloseStale(1 * time.Minute)

	if closed != 1 {
		t.Errorf("CloseStale: expected 1 closed, got %d", closed)
	}
	if !stale.isClosed() {
		t.Error("stale conn should be closed")
	}
	if fresh.isClosed() {
		t.Error("fresh conn should NOT be closed")
	}
	if ct.Len() != 1 {
		t.Errorf("Len after CloseStale: expected 1, got %d", ct.Len())
	}
}

func TestConnTracker_CloseAll(t *testing.T) {
	ct := newConnTracker()

	conns := make([]*mockConn, 3)
	for i := range conns {
		conns[i] = newMockConn(fmt.Sprintf("c%d", i))
		ct.Add(conns[i])
	}

	if n := ct.CloseAll(); n != 3 {
		t.Errorf("CloseAll: expected 3 closed, got %d", n)
	}
	if ct.Len() != 0 {
		t.Errorf("Len: expected 0, got %d", ct.Len())
	}
	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("conn[%d] should be closed", i)
		}
	}
}

func TestConnTracker_ConcurrentAccess(t *testing.T) {
	ct := newConnTracker()
	const goroutines = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			conn := newMockConn(fmt.Sprintf("c%d", i))
			ct.Add(conn)
			ct.CloseStale(1 * time.Hour)
			ct.Remove(conn)
		}(i)
	}

	wg.Wait()

	if ct.Len() != 0 {
		t.Errorf("Len after concurrent access: expected 0, got %d", ct.Len())
	}
}

func TestServer_ReapsSocketsThatNeverConnect(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	srv := NewServer(cfg)
	defer srv.Close()

	idle := newMockConn("idle")
	srv.HandleOpen(idle)

	waitFor(t, "idle socket to be closed", idle.isClosed)
}

func TestServer_ConnectedSocketNotReaped(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	srv := NewServer(cfg)
	defer srv.Close()

	conn, _ := connect(t, srv, "c1")
	time.Sleep(200 * time.Millisecond)

	if conn.isClosed() {
		t.Error("connected socket should not be reaped")
	}
}
