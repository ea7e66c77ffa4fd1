// Package discovery announces and finds DDP servers on the local network
// using mDNS/DNS-SD.
//
// # Service Type (_ddp._tcp)
//
// A server advertises one instance per listening endpoint. The instance
// name is user-chosen and truncated to the 63 byte DNS label limit.
// TXT records carry:
//
//   - version: the preferred DDP protocol version ("1")
//   - path: the websocket endpoint path ("/websocket")
//   - proto: optional comma separated websocket subprotocols ("ddp-cbor")
//
// Clients browse for the service type and build the websocket URL from the
// resolved host, port and path.
package discovery
