package store

import (
	"log/slog"
	"sync"

	"github.com/ddp-protocol/ddp-go/pkg/fence"
	"github.com/ddp-protocol/ddp-go/pkg/service"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

type event struct {
	change change
	write  *fence.Write
}

// observer delivers a collection's changes to one subscription, in commit
// order, on its own goroutine.
type observer struct {
	cursor *Cursor
	target service.PublishTarget
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []event
	stopped bool
}

func newObserver(cursor *Cursor, target service.PublishTarget, logger *slog.Logger) *observer {
	o := &observer{cursor: cursor, target: target, logger: logger}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *observer) enqueue(e event) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		e.write.Committed()
		return
	}
	o.queue = append(o.queue, e)
	o.mu.Unlock()
	o.cond.Signal()
}

// stop ends delivery. Queued writes are committed without delivery so no
// method waits on a stopped subscription.
func (o *observer) stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	pending := o.queue
	o.queue = nil
	o.mu.Unlock()
	o.cond.Broadcast()

	for _, e := range pending {
		e.write.Committed()
	}
}

func (o *observer) run() {
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.stopped {
			o.cond.Wait()
		}
		if o.stopped {
			o.mu.Unlock()
			return
		}
		e := o.queue[0]
		o.queue[0] = event{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.deliver(e.change)
		e.write.Committed()
	}
}

func (o *observer) deliver(ch change) {
	coll := o.cursor.collection.name
	sel := o.cursor.selector

	wasIn := ch.before != nil && sel.Matches(ch.id, ch.before)
	isIn := ch.after != nil && sel.Matches(ch.id, ch.after)

	var err error
	switch {
	case !wasIn && isIn:
		o.target.Added(coll, ch.id, ch.after)
	case wasIn && !isIn:
		err = o.target.Removed(coll, ch.id)
	case wasIn && isIn:
		if diff := diffFields(ch.before, ch.after); len(diff) > 0 {
			err = o.target.Changed(coll, ch.id, diff)
		}
	}
	if err != nil {
		o.logger.Error("failed to deliver change", "collection", coll, "id", ch.id, "error", err)
	}
}

// diffFields returns the fields that differ from before to after, with
// wire.Undefined for removed fields.
func diffFields(before, after wire.Fields) wire.Fields {
	diff := wire.Fields{}
	for k, v := range after {
		if old, ok := before[k]; !ok || !wire.Equal(old, v) {
			diff[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			diff[k] = wire.Undefined
		}
	}
	return diff
}
