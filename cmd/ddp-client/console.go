package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/goccy/go-json"

	"github.com/ddp-protocol/ddp-go/pkg/transport"
	"github.com/ddp-protocol/ddp-go/pkg/version"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// Console sends DDP requests typed by the user and prints every message
// the server sends.
type Console struct {
	conn  transport.ClientConnection
	codec wire.Codec
	out   io.Writer

	mu     sync.Mutex
	nextID int
}

// NewConsole creates a console on an open connection.
func NewConsole(conn transport.ClientConnection, out io.Writer) *Console {
	return &Console{
		conn:  conn,
		codec: wire.CodecFor(conn.Subprotocol()),
		out:   out,
	}
}

// SetConn switches the console to a new connection, e.g. after a redial.
func (c *Console) SetConn(conn transport.ClientConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.codec = wire.CodecFor(conn.Subprotocol())
}

func (c *Console) connection() (transport.ClientConnection, wire.Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.codec
}

// Run reads commands from rl until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, rl *readline.Instance) {
	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}

		if err := c.Execute(line); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// Execute runs one command line.
func (c *Console) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help", "?":
		c.printHelp()
		return nil
	case "quit", "exit", "q":
		return errQuit
	}

	msg, err := c.buildMessage(strings.ToLower(cmd), rest)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// buildMessage turns a command into the DDP request it stands for.
func (c *Console) buildMessage(cmd, rest string) (*wire.Message, error) {
	switch cmd {
	case "connect":
		ver := version.Supported[0]
		if rest != "" {
			ver = rest
		}
		return &wire.Message{Msg: wire.MsgConnect, Version: ver, Support: version.Supported}, nil

	case "sub":
		id, rest := nextField(rest)
		name, rest := nextField(rest)
		if id == "" || name == "" {
			return nil, errors.New("usage: sub <id> <name> [json params]")
		}
		params, err := parseParams(rest)
		if err != nil {
			return nil, err
		}
		return &wire.Message{Msg: wire.MsgSub, ID: id, Name: name, Params: params}, nil

	case "unsub":
		if rest == "" {
			return nil, errors.New("usage: unsub <id>")
		}
		return &wire.Message{Msg: wire.MsgUnsub, ID: rest}, nil

	case "call":
		method, rest := nextField(rest)
		if method == "" {
			return nil, errors.New("usage: call <method> [json params]")
		}
		params, err := parseParams(rest)
		if err != nil {
			return nil, err
		}
		return &wire.Message{Msg: wire.MsgMethod, ID: c.newID(), Method: method, Params: params}, nil

	case "ping":
		return &wire.Message{Msg: wire.MsgPing, ID: rest}, nil
	}
	return nil, fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
}

func (c *Console) newID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return strconv.Itoa(c.nextID)
}

func (c *Console) send(msg *wire.Message) error {
	conn, codec := c.connection()
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	c.print("->", msg)
	return conn.Send(data)
}

// ReadLoop prints inbound messages until the connection fails. Server
// pings are answered.
func (c *Console) ReadLoop() error {
	conn, codec := c.connection()
	for {
		data, err := conn.Receive(0)
		if err != nil {
			return err
		}
		msg, err := codec.Decode(data)
		if err != nil {
			fmt.Fprintf(c.out, "<- undecodable frame: %v\n", err)
			continue
		}
		c.print("<-", msg)

		if msg.Type() == wire.MsgPing {
			id, _ := msg.String("id")
			if err := c.send(wire.Pong(id)); err != nil {
				return err
			}
		}
	}
}

func (c *Console) print(prefix string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(c.out, "%s %v\n", prefix, v)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", prefix, data)
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
DDP Client Commands:
  connect [version]              - Send the connect handshake
  sub <id> <name> [json params]  - Subscribe to a publication
  unsub <id>                     - Stop a subscription
  call <method> [json params]    - Call a method
  ping [id]                      - Send a ping
  help                           - Show this help
  quit                           - Exit

  Params are a JSON array, or a single JSON value used as the only param:
    call tasks.insert {"title": "write docs"}
    sub s1 tasks ["alice"]`)
}

// nextField splits off the first space-separated word.
func nextField(s string) (field, rest string) {
	s = strings.TrimSpace(s)
	field, rest, _ = strings.Cut(s, " ")
	return field, strings.TrimSpace(rest)
}

// parseParams parses a JSON array of params. Any other JSON value becomes
// the single param.
func parseParams(s string) ([]any, error) {
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("params are not valid JSON: %w", err)
	}
	if arr, ok := v.([]any); ok {
		return arr, nil
	}
	return []any{v}, nil
}
