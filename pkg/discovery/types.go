package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// ServiceType is the DNS-SD service type of DDP servers.
	ServiceType = "_ddp._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the port advertised when ServiceInfo.Port is zero.
	DefaultPort = 3000

	// DefaultPath is the websocket path advertised when ServiceInfo.Path is empty.
	DefaultPath = "/websocket"

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// MaxTXTValueLen keeps a single key=value string within one TXT segment.
	MaxTXTValueLen = 255

	// DefaultTTL is the DNS record TTL.
	DefaultTTL = 120 * time.Second

	// BrowseTimeout is the default timeout for Lookup.
	BrowseTimeout = 5 * time.Second
)

// TXT record keys.
const (
	TXTKeyVersion      = "version"
	TXTKeyPath         = "path"
	TXTKeySubprotocols = "proto"
)

// Errors.
var (
	ErrMissingRequired = errors.New("missing required field")
	ErrInvalidTXT      = errors.New("invalid TXT record")
	ErrNotFound        = errors.New("service not found")
	ErrNotAdvertising  = errors.New("not advertising")
)

// ServiceInfo describes the DDP endpoint being advertised.
type ServiceInfo struct {
	// Instance is the DNS-SD instance name, e.g. "tasks-server".
	Instance string

	// Port is the TCP port the websocket server listens on.
	Port int

	// Version is the preferred DDP version.
	Version string

	// Path is the websocket path.
	Path string

	// Subprotocols lists the websocket subprotocols the server accepts
	// besides plain JSON.
	Subprotocols []string
}

// Validate checks the required fields and fills in defaults.
func (i *ServiceInfo) Validate() error {
	if i.Instance == "" {
		return fmt.Errorf("%w: instance", ErrMissingRequired)
	}
	if i.Version == "" {
		return fmt.Errorf("%w: version", ErrMissingRequired)
	}
	if i.Port == 0 {
		i.Port = DefaultPort
	}
	if i.Path == "" {
		i.Path = DefaultPath
	}
	if !strings.HasPrefix(i.Path, "/") {
		i.Path = "/" + i.Path
	}
	return nil
}

// InstanceName returns the instance name truncated to the DNS label limit.
func (i *ServiceInfo) InstanceName() string {
	name := i.Instance
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}

// EncodeTXT returns the TXT strings announcing info.
func EncodeTXT(info *ServiceInfo) []string {
	txt := []string{
		TXTKeyVersion + "=" + info.Version,
		TXTKeyPath + "=" + info.Path,
	}
	if len(info.Subprotocols) > 0 {
		txt = append(txt, TXTKeySubprotocols+"="+strings.Join(info.Subprotocols, ","))
	}
	for i, s := range txt {
		if len(s) > MaxTXTValueLen {
			txt[i] = s[:MaxTXTValueLen]
		}
	}
	return txt
}

// DecodeTXT parses TXT strings into the advertised fields of a Service.
// Unknown keys are ignored; version and path are required.
func DecodeTXT(txt []string) (version, path string, subprotocols []string, err error) {
	for _, s := range txt {
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		switch key {
		case TXTKeyVersion:
			version = value
		case TXTKeyPath:
			path = value
		case TXTKeySubprotocols:
			if value != "" {
				subprotocols = strings.Split(value, ",")
			}
		}
	}
	if version == "" || path == "" {
		return "", "", nil, fmt.Errorf("%w: version and path are required", ErrInvalidTXT)
	}
	return version, path, subprotocols, nil
}

// Service is a DDP server found on the network.
type Service struct {
	Instance     string
	Host         string
	Port         int
	Addresses    []string
	Version      string
	Path         string
	Subprotocols []string
}

// URL returns the websocket URL of the service, preferring the first
// resolved address over the host name.
func (s *Service) URL() string {
	host := strings.TrimSuffix(s.Host, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(s.Port)) + s.Path
}
