// Package fence coordinates a method's completion with the reactive updates
// its writes trigger.
//
// A method runs with a Fence in its context. Every write made through a
// fence-aware store begins a Write before returning to the caller, and each
// observer that has to deliver the change commits it once delivered. The
// Fence fires its OnAllCommitted callbacks exactly once, after it has been
// armed and no writes are outstanding, whatever the order of the two.
package fence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Errors returned by Fence.
var (
	ErrFenceFired = errors.New("fence has already activated")
	ErrNotFired   = errors.New("fence has not fired")
)

// Fence tracks the outstanding writes of one method invocation.
type Fence struct {
	mu sync.Mutex

	armed       bool
	fired       bool
	firing      bool
	retired     bool
	outstanding int

	beforeFire []func()
	committed  []func()
	done       chan struct{}

	logger *slog.Logger
}

// New creates an unarmed fence.
func New() *Fence {
	return &Fence{
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
}

// SetLogger sets the logger used to report panicking callbacks.
func (f *Fence) SetLogger(logger *slog.Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if logger != nil {
		f.logger = logger
	}
}

// BeginWrite registers an outstanding write. The write must be committed
// once its observers have been notified. A retired fence hands out no-op
// writes.
func (f *Fence) BeginWrite() (*Write, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.retired {
		return &Write{}, nil
	}
	if f.fired {
		return nil, fmt.Errorf("too late to add writes: %w", ErrFenceFired)
	}
	f.outstanding++
	return &Write{fence: f}, nil
}

// Arm declares that the method is done issuing writes. The fence fires as
// soon as all outstanding writes are committed.
func (f *Fence) Arm() {
	f.mu.Lock()
	f.armed = true
	f.mu.Unlock()
	f.maybeFire()
}

// OnBeforeFire registers a callback run when the fence is about to fire.
// Writes begun by the callback delay firing until they commit.
func (f *Fence) OnBeforeFire(fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fired {
		return fmt.Errorf("too late to add a callback: %w", ErrFenceFired)
	}
	f.beforeFire = append(f.beforeFire, fn)
	return nil
}

// OnAllCommitted registers a callback run once the fence fires.
func (f *Fence) OnAllCommitted(fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fired {
		return fmt.Errorf("too late to add a callback: %w", ErrFenceFired)
	}
	f.committed = append(f.committed, fn)
	return nil
}

// Retire marks a fired fence as retired. Later writes become no-ops instead
// of failing.
func (f *Fence) Retire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fired {
		return fmt.Errorf("cannot retire: %w", ErrNotFired)
	}
	f.retired = true
	return nil
}

// Fired reports whether the fence has fired.
func (f *Fence) Fired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// Done returns a channel closed when the fence fires.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// ArmAndWait arms the fence and blocks until it fires or ctx is done.
func (f *Fence) ArmAndWait(ctx context.Context) error {
	f.Arm()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fence) maybeFire() {
	f.mu.Lock()
	if f.fired || f.firing || !f.armed || f.outstanding > 0 {
		f.mu.Unlock()
		return
	}

	// Hold a pseudo-write while before-fire callbacks run so their own
	// writes cannot fire the fence early.
	f.firing = true
	f.outstanding++
	for len(f.beforeFire) > 0 {
		cbs := f.beforeFire
		f.beforeFire = nil
		f.mu.Unlock()
		for _, cb := range cbs {
			f.invoke(cb)
		}
		f.mu.Lock()
	}
	f.outstanding--
	f.firing = false

	if f.outstanding > 0 {
		f.mu.Unlock()
		return
	}

	f.fired = true
	cbs := f.committed
	f.committed = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		f.invoke(cb)
	}
}

func (f *Fence) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Exception in write fence callback", "panic", r)
		}
	}()
	fn()
}

// Write is one outstanding write registered with a fence.
type Write struct {
	fence *Fence
	once  sync.Once
}

// Committed marks the write as delivered. Calling it more than once has no
// further effect.
func (w *Write) Committed() {
	if w == nil || w.fence == nil {
		return
	}
	w.once.Do(func() {
		f := w.fence
		f.mu.Lock()
		f.outstanding--
		f.mu.Unlock()
		f.maybeFire()
	})
}

type contextKey struct{}

// NewContext returns a context carrying f.
func NewContext(ctx context.Context, f *Fence) context.Context {
	return context.WithValue(ctx, contextKey{}, f)
}

// FromContext returns the fence carried by ctx, if any.
func FromContext(ctx context.Context) (*Fence, bool) {
	f, ok := ctx.Value(contextKey{}).(*Fence)
	return f, ok && f != nil
}

// BeginWrite begins a write on the fence carried by ctx. Without a fence it
// returns a no-op write.
func BeginWrite(ctx context.Context) (*Write, error) {
	f, ok := FromContext(ctx)
	if !ok {
		return &Write{}, nil
	}
	return f.BeginWrite()
}
