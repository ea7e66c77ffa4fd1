package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrReceiveTimeout is returned by Receive when no frame arrived in time.
var ErrReceiveTimeout = errors.New("receive timeout")

// ClientConfig configures a DDP websocket client.
type ClientConfig struct {
	// TLSConfig is used for wss URLs.
	TLSConfig *tls.Config

	// Subprotocols requested from the server. Request the CBOR
	// subprotocol to switch the session to binary frames.
	Subprotocols []string

	// Header is sent with the upgrade request.
	Header http.Header

	// MaxMessageSize is the maximum inbound frame size (default: 1MB).
	MaxMessageSize int64

	// ConnectTimeout is the handshake timeout (default: 30s).
	ConnectTimeout time.Duration
}

// Client dials DDP servers.
type Client struct {
	config ClientConfig
	dialer websocket.Dialer
}

// NewClient creates a new DDP websocket client.
func NewClient(config ClientConfig) *Client {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}

	return &Client{
		config: config,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.ConnectTimeout,
			TLSClientConfig:  config.TLSConfig,
			Subprotocols:     config.Subprotocols,
		},
	}
}

// Connect dials a ws:// or wss:// URL.
func (c *Client) Connect(ctx context.Context, url string) (*ClientConn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, url, c.config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	ws.SetReadLimit(c.config.MaxMessageSize)

	return &ClientConn{
		ws:      ws,
		closeCh: make(chan struct{}),
	}, nil
}

// ClientConn represents a connection from client to server.
type ClientConn struct {
	ws      *websocket.Conn
	closeCh chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex
	readMu    sync.Mutex
}

// Subprotocol returns the negotiated websocket subprotocol.
func (c *ClientConn) Subprotocol() string {
	return c.ws.Subprotocol()
}

// Send writes one frame. Binary frames are used when a subprotocol was
// negotiated.
func (c *ClientConn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}

	mt := websocket.TextMessage
	if c.ws.Subprotocol() != "" {
		mt = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return c.ws.WriteMessage(mt, data)
}

// Receive reads the next frame. A zero timeout waits forever.
// A timed-out websocket cannot be read again; the caller should close it.
func (c *ClientConn) Receive(timeout time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = c.ws.SetReadDeadline(deadline)

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.closeCh:
			return nil, ErrConnectionClosed
		default:
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrReceiveTimeout
		}
		return nil, err
	}
	return data, nil
}

// Close sends a close frame and closes the connection.
func (c *ClientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
