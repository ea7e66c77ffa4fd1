// Package log captures DDP protocol traffic for later inspection.
//
// Capture is separate from operational logging (slog): it records every
// frame, decoded message, session state change, heartbeat and error as a
// machine-readable Event, so a session can be replayed and analyzed with
// the ddp-log tool.
//
// A server is given a Logger through its configuration:
//
//	fl, err := log.NewFileLogger("server.dlog")
//	cfg.ProtocolLogger = log.NewMultiLogger(fl, log.NewSlogAdapter(slog.Default()))
//
// # Layers
//
// Transport events carry raw websocket frames (FrameEvent), wire events
// carry decoded DDP messages (MessageEvent) and session events carry state
// changes (StateChangeEvent). Heartbeats and connection close are
// ControlMsgEvents; errors at any layer are ErrorEventData.
//
// # File Format
//
// A capture file (.dlog) is a sequence of CBOR items: a header naming the
// format version, then one Event per item with integer keys. FileLogger
// rotates the file to "<path>.1" when it exceeds its size limit. Reader
// also accepts files without a header.
package log
