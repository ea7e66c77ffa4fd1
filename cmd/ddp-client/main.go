// Command ddp-client is an interactive DDP console.
//
// It connects to a DDP server over websocket, sends the commands typed at
// the prompt and prints every message the server sends.
//
// Usage:
//
//	ddp-client [flags]
//
// Flags:
//
//	-url string       Server websocket URL (default "ws://localhost:3000/websocket")
//	-discover         Find the server via mDNS instead of -url
//	-instance string  mDNS instance name to look for (default: first found)
//	-cbor             Request the binary CBOR subprotocol
//	-manual           Do not send connect automatically
//	-reconnect        Redial with backoff when the connection drops
//	-log-level string Log level: debug, info, warn, error (default "warn")
//
// Examples:
//
//	# Connect to a local server
//	ddp-client
//
//	# Find a server on the LAN
//	ddp-client -discover
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/ddp-protocol/ddp-go/pkg/discovery"
	"github.com/ddp-protocol/ddp-go/pkg/transport"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

var (
	serverURL = flag.String("url", "ws://localhost:3000/websocket", "Server websocket URL")
	discover  = flag.Bool("discover", false, "Find the server via mDNS instead of -url")
	instance  = flag.String("instance", "", "mDNS instance name to look for (default: first found)")
	useCBOR   = flag.Bool("cbor", false, "Request the binary CBOR subprotocol")
	manual    = flag.Bool("manual", false, "Do not send connect automatically")
	reconnect = flag.Bool("reconnect", false, "Redial with backoff when the connection drops")
	logLevel  = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ddp> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	// Log through readline to avoid interfering with input.
	slog.SetDefault(slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	url := *serverURL
	if *discover {
		url, err = discoverURL(ctx, *instance)
		if err != nil {
			slog.Error("discovery failed", "error", err)
			os.Exit(1)
		}
	}

	cfg := transport.ClientConfig{ConnectTimeout: 10 * time.Second}
	if *useCBOR {
		cfg.Subprotocols = []string{wire.SubprotocolCBOR}
	}
	client := transport.NewClient(cfg)
	conn, err := client.Connect(ctx, url)
	if err != nil {
		slog.Error("connect failed", "url", url, "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(rl.Stdout(), "Connected to %s (codec %s)\n", url, wire.CodecFor(conn.Subprotocol()).Name())

	console := NewConsole(conn, rl.Stdout())
	go func() {
		defer cancel()
		backoff := transport.NewBackoff(transport.BackoffConfig{Jitter: transport.JitterFactor})
		for {
			err := console.ReadLoop()
			conn.Close()
			if !*reconnect || ctx.Err() != nil {
				slog.Warn("connection closed", "error", err)
				return
			}

			slog.Warn("connection lost, reconnecting", "error", err)
			conn, err = client.Redial(ctx, url, backoff)
			if err != nil {
				return
			}
			console.SetConn(conn)
			fmt.Fprintf(rl.Stdout(), "Reconnected to %s\n", url)
			if !*manual {
				if err := console.Execute("connect"); err != nil {
					slog.Warn("handshake failed", "error", err)
				}
			}
		}
	}()

	if !*manual {
		if err := console.Execute("connect"); err != nil {
			slog.Error("handshake failed", "error", err)
			os.Exit(1)
		}
	}

	console.Run(ctx, rl)
}

func discoverURL(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discovery.BrowseTimeout)
	defer cancel()

	browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{})
	defer browser.Stop()

	svc, err := browser.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	slog.Info("found server", "instance", svc.Instance, "version", svc.Version)
	return svc.URL(), nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
