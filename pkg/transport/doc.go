// Package transport provides the DDP websocket transport.
//
// The transport layer handles:
//   - websocket upgrade on a fixed path (default /websocket)
//   - one reader goroutine and one writer goroutine per connection
//   - a bounded outbound queue; a peer that cannot keep up is disconnected
//   - application-level heartbeats (DDP ping/pong)
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   DDP messages (JSON or CBOR)  │
//	├────────────────────────────────┤
//	│   WebSocket text/binary frames │
//	├────────────────────────────────┤
//	│   HTTP/1.1 (optionally TLS)    │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// Text frames carry JSON. A client that negotiates the "ddp-cbor"
// websocket subprotocol exchanges canonical CBOR in binary frames instead.
//
// # Heartbeat
//
// Liveness is checked with DDP ping/pong messages rather than websocket
// control frames, so it works through proxies that swallow them:
//   - Ping interval: 30 seconds without inbound traffic
//   - Timeout: 15 seconds after an unanswered ping
package transport
