package service

import (
	"sync"
	"time"
)

// connTracker tracks sockets that have not completed the connect handshake
// and when they were opened. The connect reaper closes those that wait too
// long.
type connTracker struct {
	mu    sync.Mutex
	conns map[Conn]time.Time
}

func newConnTracker() *connTracker {
	return &connTracker{
		conns: make(map[Conn]time.Time),
	}
}

// Add registers a socket with the current time.
func (ct *connTracker) Add(conn Conn) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.conns[conn] = time.Now()
}

// Remove deregisters a socket and reports whether it was tracked. Safe to
// call on absent sockets.
func (ct *connTracker) Remove(conn Conn) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	_, ok := ct.conns[conn]
	delete(ct.conns, conn)
	return ok
}

// CloseStale closes and removes all sockets older than maxAge and returns
// how many were closed.
func (ct *connTracker) CloseStale(maxAge time.Duration) int {
	ct.mu.Lock()
	cutoff := time.Now().Add(-maxAge)
	var stale []Conn
	for conn, added := range ct.conns {
		if added.Before(cutoff) {
			stale = append(stale, conn)
			delete(ct.conns, conn)
		}
	}
	ct.mu.Unlock()

	for _, conn := range stale {
		_ = conn.Close()
	}
	return len(stale)
}

// CloseAll closes and removes all tracked sockets.
func (ct *connTracker) CloseAll() int {
	ct.mu.Lock()
	conns := make([]Conn, 0, len(ct.conns))
	for conn := range ct.conns {
		conns = append(conns, conn)
	}
	ct.conns = make(map[Conn]time.Time)
	ct.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// Len returns the number of tracked sockets.
func (ct *connTracker) Len() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.conns)
}
