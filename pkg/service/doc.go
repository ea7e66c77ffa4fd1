// Package service implements the DDP server core: the Server that owns the
// handler registries and sessions, the per-connection Session with its merge
// box and FIFO dispatcher, and the Subscription lifecycle.
//
// # Server
//
// A Server accepts decoded frames from any transport through HandleMessage
// and HandleClose. Bind wires it to a transport.Server:
//
//	srv := service.NewServer(service.DefaultConfig())
//	srv.Publish("tasks", func(sub *service.Subscription, params []any) (any, error) {
//		return tasks.Find(nil), nil
//	})
//	srv.Method("tasks.insert", insertTask)
//
//	cfg := transport.ServerConfig{Address: ":3000"}
//	srv.Bind(&cfg)
//	ts, _ := transport.NewServer(cfg)
//	ts.Start(ctx)
//
// # Session
//
// A Session is created by a successful connect handshake. Inbound messages
// other than ping and pong are processed strictly in order: each runs in its
// own goroutine and the next one starts only when the current one returns
// or calls Unblock. Every merge box mutation and the message it produces
// happen under the session lock, so the client sees deltas in the order the
// views changed.
//
// # Subscription
//
// Publish handlers receive a Subscription and either return cursors (which
// the subscription publishes and then marks ready) or drive it directly
// with Added, Changed, Removed and Ready.
package service
