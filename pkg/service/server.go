package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ddp-protocol/ddp-go/pkg/transport"
	"github.com/ddp-protocol/ddp-go/pkg/version"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// Server owns the publication and method registries and every open
// session. It is transport agnostic: frames arrive through HandleOpen,
// HandleMessage and HandleClose.
type Server struct {
	config Config
	logger *slog.Logger

	mu               sync.Mutex
	publishHandlers  map[string]PublishHandler
	universalPublish []PublishHandler
	methodHandlers   map[string]MethodHandler
	sessions         map[string]*Session
	sockets          map[Conn]*Session
	closed           bool

	connectionHooks hookList[func(*Connection)]
	messageHooks    hookList[func(wire.Inbound, *Connection)]

	// pending holds sockets that have not sent connect yet.
	pending    *connTracker
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewServer creates a server. Zero values in config fall back to defaults
// where a zero would be meaningless.
func NewServer(config Config) *Server {
	if config.HeartbeatInterval > 0 && config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = transport.DefaultHeartbeatTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:          config,
		logger:          logger,
		publishHandlers: make(map[string]PublishHandler),
		methodHandlers:  make(map[string]MethodHandler),
		sessions:        make(map[string]*Session),
		sockets:         make(map[Conn]*Session),
		pending:         newConnTracker(),
	}

	if config.ConnectTimeout > 0 {
		s.stopReaper = make(chan struct{})
		s.reaperDone = make(chan struct{})
		go s.reapPending(config.ConnectTimeout)
	}
	return s
}

// Publish registers a publication. The empty name registers a universal
// publication, which runs on every session without a client request and is
// started right away on sessions that are already open. Registering a name
// twice keeps the first handler.
func (s *Server) Publish(name string, handler PublishHandler) {
	if name == "" {
		s.mu.Lock()
		s.universalPublish = append(s.universalPublish, handler)
		sessions := s.sessionsLocked()
		s.mu.Unlock()

		for _, sess := range sessions {
			go sess.startUniversalSub(handler)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.publishHandlers[name]; ok {
		s.logger.Warn("Ignoring duplicate publish named '" + name + "'")
		return
	}
	s.publishHandlers[name] = handler
}

// Method registers a method handler.
func (s *Server) Method(name string, handler MethodHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.methodHandlers[name]; ok {
		return fmt.Errorf("%w: %q", ErrMethodExists, name)
	}
	s.methodHandlers[name] = handler
	return nil
}

// Methods registers several method handlers, stopping at the first name
// already taken.
func (s *Server) Methods(handlers map[string]MethodHandler) error {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Method(name, handlers[name]); err != nil {
			return err
		}
	}
	return nil
}

// OnConnection registers fn to run after each successful handshake.
// The returned function unregisters it.
func (s *Server) OnConnection(fn func(conn *Connection)) (stop func()) {
	return s.connectionHooks.register(fn)
}

// OnMessage registers fn to run for every queued message before it is
// handled. The returned function unregisters it.
func (s *Server) OnMessage(fn func(msg wire.Inbound, conn *Connection)) (stop func()) {
	return s.messageHooks.register(fn)
}

func (s *Server) runMessageHooks(msg wire.Inbound, conn *Connection) {
	s.messageHooks.each(s.logger, "onMessage", func(fn func(wire.Inbound, *Connection)) {
		fn(msg, conn)
	})
}

func (s *Server) publishHandler(name string) (PublishHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.publishHandlers[name]
	return h, ok
}

func (s *Server) universalHandlers() []PublishHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PublishHandler(nil), s.universalPublish...)
}

func (s *Server) methodHandler(name string) (MethodHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.methodHandlers[name]
	return h, ok
}

// ---------------------------------------------------------------------------
// Socket events
// ---------------------------------------------------------------------------

// HandleOpen registers a new socket. It must send connect within
// Config.ConnectTimeout.
func (s *Server) HandleOpen(conn Conn) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		_ = conn.Close()
		return
	}
	s.pending.Add(conn)
}

// HandleMessage decodes one frame from conn and routes it: connect starts
// a session, everything else goes to the socket's session.
func (s *Server) HandleMessage(conn Conn, data []byte) {
	codec := wire.CodecFor(conn.Subprotocol())
	msg, err := codec.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrNotObject) {
			s.sendSocketError(conn, codec, "Bad request", nil)
			return
		}
		s.logger.Debug("discarding message with invalid JSON", "conn", conn.ID(), "error", err)
		s.sendSocketError(conn, codec, "Parse error", nil)
		return
	}
	if msg.Type() == "" {
		s.sendSocketError(conn, codec, "Bad request", msg)
		return
	}

	s.mu.Lock()
	sess := s.sockets[conn]
	s.mu.Unlock()

	if msg.Type() == wire.MsgConnect {
		if sess != nil {
			sess.sendError("Already connected", msg)
			return
		}
		s.handleConnect(conn, codec, msg)
		return
	}
	if sess == nil {
		s.sendSocketError(conn, codec, "Must connect first", msg)
		return
	}
	sess.ProcessMessage(msg)
}

// HandleClose tears down the socket's session, if any.
func (s *Server) HandleClose(conn Conn) {
	s.pending.Remove(conn)

	s.mu.Lock()
	sess := s.sockets[conn]
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Bind connects the server to a transport server configuration.
func (s *Server) Bind(cfg *transport.ServerConfig) {
	cfg.OnConnect = func(conn *transport.ServerConn) {
		s.HandleOpen(conn)
	}
	cfg.OnMessage = func(conn *transport.ServerConn, data []byte) {
		s.HandleMessage(conn, data)
	}
	cfg.OnDisconnect = func(conn *transport.ServerConn) {
		s.HandleClose(conn)
	}
}

func (s *Server) handleConnect(conn Conn, codec wire.Codec, msg wire.Inbound) {
	requested, okVersion := msg.String("version")
	support, okSupport := msg.Strings("support")
	if !okVersion || !okSupport || !version.ValidConnect(requested, support) {
		s.sendFailed(conn, codec, version.Supported[0])
		return
	}

	negotiated := version.Negotiate(support)
	if requested != negotiated {
		s.sendFailed(conn, codec, negotiated)
		return
	}

	sess := newSession(s, negotiated, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.sockets[conn] = sess
	// Publications registered after this point reach the session through
	// Publish; earlier ones through this snapshot.
	universal := append([]PublishHandler(nil), s.universalPublish...)
	s.mu.Unlock()
	s.pending.Remove(conn)

	sess.logger.Info("session started", "version", negotiated, "remote", conn.RemoteAddr())

	for _, handler := range universal {
		sess.startUniversalSub(handler)
	}

	s.connectionHooks.each(s.logger, "onConnection", func(fn func(*Connection)) {
		fn(sess.handle)
	})
}

func (s *Server) sendFailed(conn Conn, codec wire.Codec, ver string) {
	s.pending.Remove(conn)
	if data, err := codec.Encode(wire.Failed(ver)); err == nil {
		_ = conn.Send(data)
	}
	_ = conn.Close()
}

func (s *Server) sendSocketError(conn Conn, codec wire.Codec, reason string, offending wire.Inbound) {
	var o any
	if len(offending) > 0 {
		o = map[string]any(offending)
	}
	data, err := codec.Encode(wire.ProtocolError(reason, o))
	if err != nil {
		s.logger.Error("failed to encode error message", "error", err)
		return
	}
	_ = conn.Send(data)
}

func (s *Server) reapPending(maxAge time.Duration) {
	defer close(s.reaperDone)

	interval := maxAge / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopReaper:
			return
		case <-ticker.C:
			if n := s.pending.CloseStale(maxAge); n > 0 {
				s.logger.Info("closed sockets that never connected", "count", n)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Sessions returns the open sessions ordered by id.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsLocked()
}

func (s *Server) sessionsLocked() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session returns the open session with the given id.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	if s.sockets[sess.conn] == sess {
		delete(s.sockets, sess.conn)
	}
}

// Close closes every session and every socket still waiting to connect.
// Further connections are refused.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := s.sessionsLocked()
	s.mu.Unlock()

	if s.stopReaper != nil {
		close(s.stopReaper)
		<-s.reaperDone
	}
	s.pending.CloseAll()
	for _, sess := range sessions {
		sess.Close()
	}
}

// ---------------------------------------------------------------------------
// Server-initiated calls
// ---------------------------------------------------------------------------

// Call runs a method from server code. Inside a method or publication
// (ctx from MethodInvocation.Context or Subscription.Context) the call
// inherits the caller's user id and connection, and its writes join the
// caller's write fence. SetUserID is never allowed. Errors are returned
// as the handler produced them.
func (s *Server) Call(ctx context.Context, name string, params ...any) (any, error) {
	handler, ok := s.methodHandler(name)
	if !ok {
		return nil, wire.MethodNotFound(name)
	}

	inv := &MethodInvocation{
		name: name,
		setUserID: func(string) error {
			return ErrSetUserIDNotAllowed
		},
	}
	if parent, ok := InvocationFromContext(ctx); ok {
		inv.userID = parent.UserID()
		inv.connection = parent.connection
	} else if sub, ok := SubscriptionFromContext(ctx); ok {
		inv.userID = sub.userID
		inv.connection = sub.session.handle
	}
	inv.ctx = withInvocation(ctx, inv)

	result, err := runMethod(handler, inv, params)
	if err != nil {
		return nil, err
	}
	return wire.Clone(result), nil
}
