package service

import (
	"sync"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// dispatcher runs queued messages one at a time. Each message gets its own
// goroutine; the next message starts once the current handler calls
// unblock or returns, so start order is FIFO while completion order is not.
type dispatcher struct {
	mu      sync.Mutex
	queue   []wire.Inbound
	running bool
	closed  bool

	handle func(msg wire.Inbound, unblock func())
}

func newDispatcher(handle func(msg wire.Inbound, unblock func())) *dispatcher {
	return &dispatcher{handle: handle}
}

// push appends msg and starts the worker if it is idle.
func (d *dispatcher) push(msg wire.Inbound) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, msg)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	d.next()
}

// close drops everything still queued.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.queue = nil
}

// pending returns the number of messages waiting to start.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *dispatcher) next() {
	d.mu.Lock()
	if d.closed || len(d.queue) == 0 {
		d.running = false
		d.mu.Unlock()
		return
	}
	msg := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.mu.Unlock()

	var once sync.Once
	unblock := func() {
		once.Do(d.next)
	}

	go func() {
		defer unblock()
		d.handle(msg, unblock)
	}()
}
