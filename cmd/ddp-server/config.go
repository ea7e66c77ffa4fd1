package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ddp-protocol/ddp-go/pkg/transport"
)

// ForwardedCountEnv seeds Config.ForwardedCount.
const ForwardedCountEnv = "HTTP_FORWARDED_COUNT"

// Config holds the server configuration. Values are layered: defaults,
// then the environment, then the YAML file, then explicitly set flags.
type Config struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	DB             string        `yaml:"db"`
	LogLevel       string        `yaml:"log_level"`
	ProtocolLog    string        `yaml:"protocol_log"`
	MDNS           bool          `yaml:"mdns"`
	Instance       string        `yaml:"instance"`
	ForwardedCount int           `yaml:"forwarded_count"`
	StatusInterval time.Duration `yaml:"status_interval"`
	Heartbeat      struct {
		Interval time.Duration `yaml:"interval"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"heartbeat"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	cfg := Config{
		Addr:           transport.DefaultAddress,
		Path:           transport.DefaultPath,
		DB:             "ddp.db",
		LogLevel:       "info",
		Instance:       "ddp-server",
		StatusInterval: 10 * time.Second,
	}
	cfg.Heartbeat.Interval = transport.DefaultHeartbeatInterval
	cfg.Heartbeat.Timeout = transport.DefaultHeartbeatTimeout
	return cfg
}

// flagValues are the command-line flags. Only flags the user set override
// the file.
type flagValues struct {
	configFile  string
	addr        string
	path        string
	db          string
	logLevel    string
	protocolLog string
	mdns        bool
	instance    string
}

func registerFlags(fs *flag.FlagSet, defaults Config) *flagValues {
	fv := &flagValues{}
	fs.StringVar(&fv.configFile, "config", "", "Configuration file path (YAML)")
	fs.StringVar(&fv.addr, "addr", defaults.Addr, "Listen address")
	fs.StringVar(&fv.path, "path", defaults.Path, "Websocket endpoint path")
	fs.StringVar(&fv.db, "db", defaults.DB, "Database file")
	fs.StringVar(&fv.logLevel, "log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&fv.protocolLog, "protocol-log", "", "Write a protocol capture file (view with ddp-log)")
	fs.BoolVar(&fv.mdns, "mdns", defaults.MDNS, "Advertise the server via mDNS")
	fs.StringVar(&fv.instance, "instance", defaults.Instance, "mDNS instance name")
	return fv
}

// loadConfig parses args and builds the layered configuration.
func loadConfig(args []string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("ddp-server", flag.ContinueOnError)
	fv := registerFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if v := getenv(ForwardedCountEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid %s %q", ForwardedCountEnv, v)
		}
		cfg.ForwardedCount = n
	}

	if fv.configFile != "" {
		data, err := os.ReadFile(fv.configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", fv.configFile, err)
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = fv.addr
		case "path":
			cfg.Path = fv.path
		case "db":
			cfg.DB = fv.db
		case "log-level":
			cfg.LogLevel = fv.logLevel
		case "protocol-log":
			cfg.ProtocolLog = fv.protocolLog
		case "mdns":
			cfg.MDNS = fv.mdns
		case "instance":
			cfg.Instance = fv.instance
		}
	})

	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return Config{}, fmt.Errorf("path %q must start with /", cfg.Path)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", s)
	}
}
