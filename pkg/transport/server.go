package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ddp-protocol/ddp-go/pkg/log"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// Transport defaults.
const (
	DefaultAddress        = ":3000"
	DefaultPath           = "/websocket"
	DefaultMaxMessageSize = 1 << 20
	DefaultSendQueueSize  = 256
	DefaultWriteTimeout   = 10 * time.Second
)

// Transport errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrServerRunning    = errors.New("server already running")
)

// ServerConfig configures a DDP websocket server.
type ServerConfig struct {
	// Address to listen on (e.g., ":3000" or "127.0.0.1:3000").
	Address string

	// Path the websocket endpoint is mounted on (default: /websocket).
	Path string

	// TLSConfig enables wss when set.
	TLSConfig *tls.Config

	// MaxMessageSize is the maximum inbound frame size (default: 1MB).
	MaxMessageSize int64

	// SendQueueSize bounds the per-connection outbound queue (default: 256).
	SendQueueSize int

	// WriteTimeout bounds a single frame write (default: 10s).
	WriteTimeout time.Duration

	// Subprotocols offered to clients, in preference order.
	// Defaults to the CBOR subprotocol; plain clients negotiate none and
	// fall back to JSON.
	Subprotocols []string

	// CheckOrigin validates the Origin header. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	// Logger for protocol capture (optional).
	Logger log.Logger

	// OnConnect is called when a websocket has been upgraded.
	OnConnect func(conn *ServerConn)

	// OnDisconnect is called once the connection is gone.
	OnDisconnect func(conn *ServerConn)

	// OnMessage is called for every inbound frame, in order, from the
	// connection's reader goroutine.
	OnMessage func(conn *ServerConn, msg []byte)

	// OnError is called when an error occurs.
	OnError func(conn *ServerConn, err error)
}

// Server accepts DDP websocket connections.
type Server struct {
	config     ServerConfig
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	// Active connections
	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new DDP websocket server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if !strings.HasPrefix(config.Path, "/") {
		return nil, fmt.Errorf("path %q must start with /", config.Path)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultSendQueueSize
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.Subprotocols == nil {
		config.Subprotocols = []string{wire.SubprotocolCBOR}
	}

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    config.Subprotocols,
			CheckOrigin:     checkOrigin,
		},
		conns:  make(map[*ServerConn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start listens on the configured address and serves the websocket path.
// Use ServeHTTP directly to mount the server on an existing mux instead.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrServerRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.reportError(nil, fmt.Errorf("serve: %w", err))
		}
	}()

	return nil
}

// Stop stops the server and closes all connections.
func (s *Server) Stop() error {
	wasRunning := s.running.Swap(false)
	s.cancel()

	var err error
	if wasRunning && s.httpServer != nil {
		err = s.httpServer.Close()
	}

	s.connsMu.RLock()
	conns := make([]*ServerConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}

	s.wg.Wait()
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Path returns the websocket endpoint path.
func (s *Server) Path() string {
	return s.config.Path
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.reportError(nil, fmt.Errorf("upgrade: %w", err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn := &ServerConn{
		ws:          ws,
		server:      s,
		connID:      uuid.New().String(),
		remoteAddr:  r.RemoteAddr,
		headers:     r.Header.Clone(),
		subprotocol: ws.Subprotocol(),
		sendCh:      make(chan []byte, s.config.SendQueueSize),
		closeCh:     make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	conn.binary = wire.CodecFor(conn.subprotocol).Binary()

	s.logState(conn, "", "CONNECTED")

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	go conn.writeLoop()

	if s.config.OnConnect != nil {
		s.config.OnConnect(conn)
	}

	conn.readLoop()
	conn.Close()
	<-conn.writerDone

	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()

	s.logState(conn, "CONNECTED", "DISCONNECTED")

	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(conn)
	}
}

func (s *Server) reportError(conn *ServerConn, err error) {
	if s.config.OnError != nil {
		s.config.OnError(conn, err)
	}
}

func (s *Server) logState(conn *ServerConn, oldState, newState string) {
	if s.config.Logger == nil {
		return
	}
	s.config.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.connID,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   conn.remoteAddr,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
		},
	})
}

// ServerConn represents a client connection to the server.
type ServerConn struct {
	ws          *websocket.Conn
	server      *Server
	connID      string
	remoteAddr  string
	headers     http.Header
	subprotocol string
	binary      bool

	sendCh     chan []byte
	closeCh    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

// ID returns the unique connection identifier.
func (c *ServerConn) ID() string {
	return c.connID
}

// RemoteAddr returns the remote address of the client.
func (c *ServerConn) RemoteAddr() string {
	return c.remoteAddr
}

// Headers returns the upgrade request headers.
func (c *ServerConn) Headers() http.Header {
	return c.headers
}

// Subprotocol returns the negotiated websocket subprotocol.
func (c *ServerConn) Subprotocol() string {
	return c.subprotocol
}

// Send queues a message for the writer goroutine.
func (c *ServerConn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		c.server.reportError(c, ErrSendQueueFull)
		c.Close()
		return ErrSendQueueFull
	}
}

// Close closes the connection after the writer has flushed what is queued.
func (c *ServerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	return nil
}

// Closed returns a channel that is closed once Close has been called.
func (c *ServerConn) Closed() <-chan struct{} {
	return c.closeCh
}

func (c *ServerConn) messageType() int {
	if c.binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// readLoop reads frames until the peer goes away or the writer closes the
// socket.
func (c *ServerConn) readLoop() {
	c.ws.SetReadLimit(c.server.config.MaxMessageSize)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
				// Already closing, don't report
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					c.server.reportError(c, err)
				}
			}
			return
		}

		c.logFrame(log.DirectionIn, data, mt == websocket.BinaryMessage)

		if c.server.config.OnMessage != nil {
			c.server.config.OnMessage(c, data)
		}
	}
}

// writeLoop is the only goroutine writing to the socket.
func (c *ServerConn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.server.reportError(c, err)
				c.Close()
				return
			}
		case <-c.closeCh:
			c.flush()
			c.logControl(log.ControlMsgClose)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-c.server.ctx.Done():
			c.Close()
		}
	}
}

// flush writes whatever is still queued.
func (c *ServerConn) flush() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *ServerConn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	if err := c.ws.WriteMessage(c.messageType(), data); err != nil {
		return err
	}
	c.logFrame(log.DirectionOut, data, c.binary)
	return nil
}

func (c *ServerConn) logFrame(direction log.Direction, data []byte, binary bool) {
	if c.server.config.Logger == nil {
		return
	}
	c.server.config.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		Direction:    direction,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		RemoteAddr:   c.remoteAddr,
		Frame:        log.NewFrameEvent(data, binary),
	})
}

func (c *ServerConn) logControl(msgType log.ControlMsgType) {
	if c.server.config.Logger == nil {
		return
	}
	c.server.config.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		RemoteAddr:   c.remoteAddr,
		ControlMsg:   &log.ControlMsgEvent{Type: msgType},
	})
}
