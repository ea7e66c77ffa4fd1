// Package version provides DDP protocol version negotiation.
package version

import "slices"

// Supported lists the protocol versions this server speaks, most preferred first.
var Supported = []string{"1", "pre2", "pre1"}

// Negotiate picks the first version in the client's support list that the
// server also supports. Without overlap it returns the server's preferred version.
func Negotiate(clientSupport []string) string {
	for _, v := range clientSupport {
		if IsSupported(v) {
			return v
		}
	}
	return Supported[0]
}

// IsSupported reports whether the server speaks version v.
func IsSupported(v string) bool {
	return slices.Contains(Supported, v)
}

// ValidConnect reports whether a connect request is well formed: the client
// must claim to support the version it proposes. Whether that version is the
// one Negotiate picks is checked separately.
func ValidConnect(version string, support []string) bool {
	return version != "" && slices.Contains(support, version)
}

// SupportsHeartbeat reports whether sessions on version v send and answer
// heartbeat pings. Unknown versions do not.
func SupportsHeartbeat(v string) bool {
	p, err := LoadProfile(v)
	if err != nil {
		return false
	}
	return p.Heartbeat
}
