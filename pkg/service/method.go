package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// MethodInvocation is the context a method handler runs in.
type MethodInvocation struct {
	ctx        context.Context
	name       string
	connection *Connection
	randomSeed string
	setUserID  func(userID string) error
	unblock    func()

	mu            sync.Mutex
	userID        string
	calledUnblock atomic.Bool
}

// Context carries the method's write fence and the invocation itself, so
// store writes and nested Server.Call use them.
func (inv *MethodInvocation) Context() context.Context {
	return inv.ctx
}

// Name returns the method name.
func (inv *MethodInvocation) Name() string {
	return inv.name
}

// UserID returns the user id of the calling session ("" when logged out).
func (inv *MethodInvocation) UserID() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.userID
}

// SetUserID changes the user of the calling session and reruns its
// subscriptions. It must be called before Unblock.
func (inv *MethodInvocation) SetUserID(userID string) error {
	if inv.calledUnblock.Load() {
		return ErrSetUserIDAfterUnblock
	}
	if err := inv.setUserID(userID); err != nil {
		return err
	}
	inv.mu.Lock()
	inv.userID = userID
	inv.mu.Unlock()
	return nil
}

// Unblock lets the session start its next queued message while this
// method keeps running.
func (inv *MethodInvocation) Unblock() {
	inv.calledUnblock.Store(true)
	if inv.unblock != nil {
		inv.unblock()
	}
}

// Connection returns the calling connection, or nil for a server
// initiated call.
func (inv *MethodInvocation) Connection() *Connection {
	return inv.connection
}

// RandomSeed returns the client-provided seed for generating ids.
func (inv *MethodInvocation) RandomSeed() string {
	return inv.randomSeed
}

// IsSimulation is always false on the server.
func (inv *MethodInvocation) IsSimulation() bool {
	return false
}

type invocationKey struct{}
type subscriptionKey struct{}

func withInvocation(ctx context.Context, inv *MethodInvocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext returns the method invocation ctx belongs to.
func InvocationFromContext(ctx context.Context) (*MethodInvocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*MethodInvocation)
	return inv, ok
}

func withSubscription(ctx context.Context, sub *Subscription) context.Context {
	return context.WithValue(ctx, subscriptionKey{}, sub)
}

// SubscriptionFromContext returns the subscription ctx belongs to.
func SubscriptionFromContext(ctx context.Context) (*Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey{}).(*Subscription)
	return sub, ok
}

// runMethod calls handler with cloned params, converting a panic into an
// error.
func runMethod(handler MethodHandler, inv *MethodInvocation, params []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in method %q: %v", inv.name, r)
		}
	}()
	cloned, _ := wire.Clone(params).([]any)
	if cloned == nil {
		cloned = []any{}
	}
	return handler(inv, cloned)
}
