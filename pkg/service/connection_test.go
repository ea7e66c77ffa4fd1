package service

import (
	"testing"
)

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name           string
		remote         string
		forwardedFor   string
		forwardedCount int
		want           string
	}{
		{name: "direct", remote: "192.168.1.5:40000", want: "192.168.1.5"},
		{name: "direct ipv6", remote: "[::1]:40000", want: "::1"},
		{name: "no port", remote: "192.168.1.5", want: "192.168.1.5"},
		{name: "one proxy", remote: "10.0.0.1:1", forwardedFor: "1.2.3.4, 10.0.0.9", forwardedCount: 1, want: "10.0.0.9"},
		{name: "two proxies", remote: "10.0.0.1:1", forwardedFor: "1.2.3.4, 10.0.0.9", forwardedCount: 2, want: "1.2.3.4"},
		{name: "more proxies than entries", remote: "10.0.0.1:1", forwardedFor: "1.2.3.4", forwardedCount: 2, want: ""},
		{name: "missing header", remote: "10.0.0.1:1", forwardedCount: 1, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newMockConn("c")
			conn.remoteAddr = tt.remote
			if tt.forwardedFor != "" {
				conn.headers.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if got := clientAddress(conn, tt.forwardedCount); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnection_Handle(t *testing.T) {
	srv := newTestServer(t)
	conn, sess := connect(t, srv, "c1")

	h := sess.Connection()
	if h.ID() != sess.ID() {
		t.Errorf("ID: got %q, want %q", h.ID(), sess.ID())
	}
	if h.HTTPHeaders() == nil {
		t.Error("headers should be set")
	}

	h.Close()
	if !conn.isClosed() {
		t.Error("Close should close the socket")
	}
	if srv.SessionCount() != 0 {
		t.Error("Close should unregister the session")
	}
}
