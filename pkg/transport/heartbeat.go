package transport

import (
	"context"
	"sync"
	"time"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
)

// HeartbeatConfig configures connection liveness checks.
type HeartbeatConfig struct {
	// Interval between checks. A ping is sent when a whole interval passed
	// without inbound traffic. Zero disables the heartbeat.
	Interval time.Duration

	// Timeout after an unanswered ping before the connection is declared
	// dead.
	Timeout time.Duration
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: DefaultHeartbeatInterval,
		Timeout:  DefaultHeartbeatTimeout,
	}
}

// Enabled reports whether the configuration runs a heartbeat at all.
func (c HeartbeatConfig) Enabled() bool {
	return c.Interval > 0
}

// Heartbeat sends pings on an idle connection and reports a timeout when
// nothing arrives after one.
type Heartbeat struct {
	config    HeartbeatConfig
	sendPing  func() error
	onTimeout func()

	mu         sync.Mutex
	running    bool
	seenPacket bool
	awaiting   bool
	timeout    *time.Timer
	stopCh     chan struct{}
	pingsSent  uint32
	lastPing   time.Time
}

// NewHeartbeat creates a heartbeat. sendPing writes a ping to the peer;
// onTimeout is called at most once, from the heartbeat's own goroutine.
func NewHeartbeat(config HeartbeatConfig, sendPing func() error, onTimeout func()) *Heartbeat {
	if config.Timeout == 0 {
		config.Timeout = DefaultHeartbeatTimeout
	}
	return &Heartbeat{
		config:    config,
		sendPing:  sendPing,
		onTimeout: onTimeout,
	}
}

// Start begins the interval timer.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running || !h.config.Enabled() {
		return
	}
	h.running = true
	h.seenPacket = false
	h.awaiting = false
	h.stopCh = make(chan struct{})

	go h.loop(ctx, h.stopCh)
}

// Stop stops both timers.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
	h.clearTimeoutLocked()
}

// IsRunning returns true if the heartbeat is active.
func (h *Heartbeat) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// MessageReceived records inbound traffic and cancels a pending timeout.
func (h *Heartbeat) MessageReceived() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seenPacket = true
	h.clearTimeoutLocked()
}

// Stats returns the number of pings sent and when the last one went out.
func (h *Heartbeat) Stats() (pingsSent uint32, lastPing time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pingsSent, h.lastPing
}

func (h *Heartbeat) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			h.intervalFired()
		}
	}
}

// intervalFired pings unless traffic was seen since the last tick or a
// ping is already awaiting its answer.
func (h *Heartbeat) intervalFired() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	send := !h.seenPacket && !h.awaiting
	h.seenPacket = false
	if send {
		h.awaiting = true
		h.pingsSent++
		h.lastPing = time.Now()
		h.timeout = time.AfterFunc(h.config.Timeout, h.timeoutFired)
	}
	h.mu.Unlock()

	if send && h.sendPing != nil {
		if err := h.sendPing(); err != nil {
			h.timeoutFired()
		}
	}
}

func (h *Heartbeat) timeoutFired() {
	h.mu.Lock()
	if !h.running || !h.awaiting {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.clearTimeoutLocked()
	h.mu.Unlock()

	if h.onTimeout != nil {
		h.onTimeout()
	}
}

func (h *Heartbeat) clearTimeoutLocked() {
	if h.timeout != nil {
		h.timeout.Stop()
		h.timeout = nil
	}
	h.awaiting = false
}
