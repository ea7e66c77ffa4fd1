package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Advertiser announces a DDP server on the network.
type Advertiser interface {
	// Advertise starts announcing info, replacing any earlier announcement.
	Advertise(ctx context.Context, info ServiceInfo) error

	// Update replaces the TXT records of the running announcement.
	Update(info ServiceInfo) error

	// Stop withdraws the announcement. Stopping twice is not an error.
	Stop() error
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration

	// Logger receives lifecycle messages. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		TTL: DefaultTTL,
	}
}

// registration is the part of *zeroconf.Server the advertiser uses.
type registration interface {
	SetText(text []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (registration, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (registration, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// MDNSAdvertiser implements the Advertiser interface using zeroconf.
type MDNSAdvertiser struct {
	config   AdvertiserConfig
	logger   *slog.Logger
	register registerFunc

	mu     sync.Mutex
	server registration
	info   ServiceInfo
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) *MDNSAdvertiser {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNSAdvertiser{
		config:   config,
		logger:   logger,
		register: zeroconfRegister,
	}
}

// getInterfaces returns the network interfaces to use for advertising.
// Returns nil to use all interfaces.
func (a *MDNSAdvertiser) getInterfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}

	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		a.logger.Warn("unknown mDNS interface, using all", "interface", a.config.Interface, "error", err)
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise starts announcing info as a _ddp._tcp service.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, info ServiceInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := a.register(
		info.InstanceName(),
		ServiceType,
		Domain,
		info.Port,
		EncodeTXT(&info),
		a.getInterfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register ddp service: %w", err)
	}

	a.server = server
	a.info = info
	a.logger.Info("advertising ddp service", "instance", info.InstanceName(), "port", info.Port, "path", info.Path)
	return nil
}

// Update replaces the TXT records of the running announcement. The
// instance name and port cannot change without re-advertising.
func (a *MDNSAdvertiser) Update(info ServiceInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return ErrNotAdvertising
	}
	a.server.SetText(EncodeTXT(&info))
	a.info.Version = info.Version
	a.info.Path = info.Path
	a.info.Subprotocols = info.Subprotocols
	return nil
}

// Info returns the running announcement.
func (a *MDNSAdvertiser) Info() (ServiceInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info, a.server != nil
}

// Stop withdraws the announcement.
func (a *MDNSAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("stopped advertising ddp service", "instance", a.info.InstanceName())
	}
	return nil
}

// Compile-time interface satisfaction check.
var _ Advertiser = (*MDNSAdvertiser)(nil)
