// Command ddp-server is a reference DDP server.
//
// It serves a task list stored in a local database:
//   - publication "tasks" with an optional owner parameter
//   - publication "tasks.mine" with the logged-in user's tasks
//   - a universal publication of server status (collection server_status)
//   - methods tasks.insert, tasks.update, tasks.remove, login, logout, echo
//
// Usage:
//
//	ddp-server [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-addr string          Listen address (default ":3000")
//	-path string          Websocket endpoint path (default "/websocket")
//	-db string            Database file (default "ddp.db")
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  Write a protocol capture file (view with ddp-log)
//	-mdns                 Advertise the server via mDNS
//	-instance string      mDNS instance name (default "ddp-server")
//
// The HTTP_FORWARDED_COUNT environment variable sets the number of proxies
// in front of the server, used to find the client address in
// X-Forwarded-For.
//
// Examples:
//
//	# Start with defaults
//	ddp-server
//
//	# Capture all protocol traffic and advertise on the LAN
//	ddp-server -protocol-log server.dlog -mdns
//
//	# Start with a config file
//	ddp-server -config /etc/ddp/server.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ddp-protocol/ddp-go/pkg/discovery"
	"github.com/ddp-protocol/ddp-go/pkg/log"
	"github.com/ddp-protocol/ddp-go/pkg/service"
	"github.com/ddp-protocol/ddp-go/pkg/store"
	"github.com/ddp-protocol/ddp-go/pkg/transport"
	"github.com/ddp-protocol/ddp-go/pkg/version"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	protocolLogger, closeProtocolLog, err := setupProtocolLogger(cfg.ProtocolLog, level, logger)
	if err != nil {
		return err
	}
	defer closeProtocolLog()

	dbOpts := store.DefaultOptions()
	dbOpts.Logger = logger
	db, err := store.Open(cfg.DB, dbOpts)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	svcConfig := service.DefaultConfig()
	svcConfig.HeartbeatInterval = cfg.Heartbeat.Interval
	svcConfig.HeartbeatTimeout = cfg.Heartbeat.Timeout
	svcConfig.ForwardedCount = cfg.ForwardedCount
	svcConfig.Logger = logger
	svcConfig.ProtocolLogger = protocolLogger
	srv := service.NewServer(svcConfig)
	defer srv.Close()

	if _, err := NewApp(srv, db, cfg.StatusInterval, logger); err != nil {
		return err
	}

	tcfg := transport.ServerConfig{
		Address: cfg.Addr,
		Path:    cfg.Path,
		Logger:  protocolLogger,
		OnError: func(conn *transport.ServerConn, err error) {
			if conn != nil {
				logger.Debug("transport error", "conn", conn.ID(), "error", err)
				return
			}
			logger.Error("transport error", "error", err)
		},
	}
	srv.Bind(&tcfg)
	ts, err := transport.NewServer(tcfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ts.Start(ctx); err != nil {
		return err
	}
	defer ts.Stop()
	logger.Info("DDP server listening", "addr", ts.Addr().String(), "path", cfg.Path, "db", cfg.DB)

	if cfg.MDNS {
		advertiser := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{
			TTL:    discovery.DefaultTTL,
			Logger: logger,
		})
		info := discovery.ServiceInfo{
			Instance:     cfg.Instance,
			Port:         listenPort(ts.Addr()),
			Version:      version.Supported[0],
			Path:         cfg.Path,
			Subprotocols: []string{wire.SubprotocolCBOR},
		}
		if err := advertiser.Advertise(ctx, info); err != nil {
			logger.Warn("mDNS advertising failed", "error", err)
		} else {
			defer advertiser.Stop()
		}
	}

	<-ctx.Done()
	logger.Info("shutting down", "sessions", srv.SessionCount())
	return nil
}

// setupProtocolLogger returns the protocol capture logger and its closer.
// At debug level events are also written to the operational log.
func setupProtocolLogger(path string, level slog.Level, logger *slog.Logger) (log.Logger, func(), error) {
	var loggers []log.Logger
	if path != "" {
		fl, err := log.NewFileLoggerWithConfig(path, log.FileLoggerConfig{Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("open protocol log: %w", err)
		}
		loggers = append(loggers, fl)
		logger.Info("protocol capture enabled", "file", path)
	}
	if level <= slog.LevelDebug {
		loggers = append(loggers, log.NewSlogAdapter(logger))
	}
	if len(loggers) == 0 {
		return log.NoopLogger{}, func() {}, nil
	}

	m := log.NewMultiLogger(loggers...)
	return m, func() {
		if err := m.Close(); err != nil {
			logger.Warn("closing protocol log", "error", err)
		}
	}, nil
}

func listenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return discovery.DefaultPort
}
