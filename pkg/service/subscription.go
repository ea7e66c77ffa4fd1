package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// Subscription is one running instance of a publication on a session.
//
// Named subscriptions are started by a client sub message and identified by
// the client's id. Universal subscriptions run on every session and have no
// id; they never send ready or nosub.
//
// Mutable state is guarded by the owning session's lock, so a document
// change and the message it produces are one step.
type Subscription struct {
	session        *Session
	handler        PublishHandler
	subscriptionID string
	name           string
	params         []any
	handle         string
	userID         string

	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by session.mu.
	documents     map[string]map[string]struct{}
	ready         bool
	deactivated   bool
	stopCallbacks []func()
}

func newSubscription(s *Session, handler PublishHandler, subscriptionID string, params []any, name, userID string) *Subscription {
	if params == nil {
		params = []any{}
	}
	handle := "N" + subscriptionID
	if subscriptionID == "" {
		handle = "U" + uuid.NewString()
	}

	sub := &Subscription{
		session:        s,
		handler:        handler,
		subscriptionID: subscriptionID,
		name:           name,
		params:         params,
		handle:         handle,
		userID:         userID,
		documents:      make(map[string]map[string]struct{}),
	}
	sub.ctx, sub.cancel = context.WithCancel(withSubscription(context.Background(), sub))
	return sub
}

// ID returns the client's subscription id, or "" for a universal
// subscription.
func (sub *Subscription) ID() string {
	return sub.subscriptionID
}

// Name returns the publication name.
func (sub *Subscription) Name() string {
	return sub.name
}

// UserID returns the session's user id when the subscription started.
func (sub *Subscription) UserID() string {
	return sub.userID
}

// Connection returns the handle of the connection the subscription runs on.
func (sub *Subscription) Connection() *Connection {
	return sub.session.handle
}

// Context is cancelled when the subscription is deactivated. Server.Call
// with this context runs as part of the publication.
func (sub *Subscription) Context() context.Context {
	return sub.ctx
}

// Added publishes a document into the subscription.
func (sub *Subscription) Added(collection, id string, fields wire.Fields) {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.isDeactivatedLocked() {
		return
	}
	ids, ok := sub.documents[collection]
	if !ok {
		ids = make(map[string]struct{})
		sub.documents[collection] = ids
	}
	ids[id] = struct{}{}
	s.addedLocked(sub.handle, collection, id, fields)
}

// Changed updates fields of a published document. wire.Undefined clears a
// field. Changing a document the subscription never added is an error.
func (sub *Subscription) Changed(collection, id string, fields wire.Fields) error {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.isDeactivatedLocked() {
		return nil
	}
	return s.changedLocked(sub.handle, collection, id, fields)
}

// Removed withdraws a document from the subscription.
func (sub *Subscription) Removed(collection, id string) error {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.isDeactivatedLocked() {
		return nil
	}
	return sub.removedLocked(collection, id)
}

func (sub *Subscription) removedLocked(collection, id string) error {
	if ids, ok := sub.documents[collection]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(sub.documents, collection)
		}
	}
	return sub.session.removedLocked(sub.handle, collection, id)
}

// Ready tells the client the initial document set is complete. Only the
// first call sends anything.
func (sub *Subscription) Ready() {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.isDeactivatedLocked() || sub.subscriptionID == "" || sub.ready {
		return
	}
	sub.ready = true
	s.sendReadyLocked(sub.subscriptionID)
}

// Stop ends the subscription: its documents are removed from the client
// and a nosub is sent.
func (sub *Subscription) Stop() {
	sub.stop(nil)
}

// Error ends the subscription with an error reported in the nosub.
func (sub *Subscription) Error(err error) {
	sub.stop(err)
}

func (sub *Subscription) stop(err error) {
	if sub.isDeactivated() {
		return
	}
	if sub.subscriptionID == "" {
		sub.session.stopUniversalSubscription(sub, err)
		return
	}
	sub.session.stopNamedSubscription(sub.subscriptionID, sub, err)
}

// OnStop registers fn to run when the subscription is deactivated. If it
// already is, fn runs immediately.
func (sub *Subscription) OnStop(fn func()) {
	s := sub.session
	s.mu.Lock()
	if sub.isDeactivatedLocked() {
		s.mu.Unlock()
		fn()
		return
	}
	sub.stopCallbacks = append(sub.stopCallbacks, fn)
	s.mu.Unlock()
}

func (sub *Subscription) isDeactivated() bool {
	sub.session.mu.Lock()
	defer sub.session.mu.Unlock()
	return sub.isDeactivatedLocked()
}

func (sub *Subscription) isDeactivatedLocked() bool {
	return sub.deactivated || sub.session.closed
}

// deactivateLocked marks the subscription stopped and returns the stop
// callbacks, which the caller runs after releasing the lock.
func (sub *Subscription) deactivateLocked() []func() {
	if sub.deactivated {
		return nil
	}
	sub.deactivated = true
	sub.cancel()
	callbacks := sub.stopCallbacks
	sub.stopCallbacks = nil
	return callbacks
}

// removeAllDocumentsLocked withdraws every document the subscription added.
func (sub *Subscription) removeAllDocumentsLocked() {
	collections := make([]string, 0, len(sub.documents))
	for c := range sub.documents {
		collections = append(collections, c)
	}
	sort.Strings(collections)

	for _, collection := range collections {
		ids := make([]string, 0, len(sub.documents[collection]))
		for id := range sub.documents[collection] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := sub.removedLocked(collection, id); err != nil {
				sub.session.logger.Error("failed to remove subscription document",
					"sub", sub.handle, "collection", collection, "id", id, "error", err)
			}
		}
	}
}

// recreate returns a fresh subscription with the same handler, id and
// params, used to rerun publications after the user changes.
func (sub *Subscription) recreate(userID string) *Subscription {
	return newSubscription(sub.session, sub.handler, sub.subscriptionID, sub.params, sub.name, userID)
}

// runHandler calls the publish handler and publishes what it returned.
func (sub *Subscription) runHandler() {
	result, err := sub.invoke()
	if err != nil {
		sub.Error(err)
		return
	}
	if sub.isDeactivated() {
		return
	}
	sub.publishResult(result)
}

func (sub *Subscription) invoke() (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in publisher %q: %v", sub.name, r)
		}
	}()
	params, _ := wire.Clone(sub.params).([]any)
	return sub.handler(sub, params)
}

func (sub *Subscription) publishResult(v any) {
	res := resolvePublishResult(v)
	switch res.kind {
	case resultEmpty:
		// The handler drives the subscription itself.
	case resultInvalid:
		sub.Error(res.err)
	case resultCursors:
		for _, c := range res.cursors {
			if err := sub.publishCursor(c); err != nil {
				sub.Error(err)
				return
			}
		}
		sub.Ready()
	}
}

func (sub *Subscription) publishCursor(c Cursor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic publishing cursor on %s: %v", c.CollectionName(), r)
		}
	}()
	return c.PublishCursor(sub)
}
