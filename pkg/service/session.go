package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ddp-protocol/ddp-go/pkg/fence"
	"github.com/ddp-protocol/ddp-go/pkg/log"
	"github.com/ddp-protocol/ddp-go/pkg/mergebox"
	"github.com/ddp-protocol/ddp-go/pkg/transport"
	"github.com/ddp-protocol/ddp-go/pkg/version"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// Session is the server side of one connected DDP client: its merge box,
// its subscriptions and its message queue.
type Session struct {
	id             string
	server         *Server
	conn           Conn
	codec          wire.Codec
	version        string
	respondToPings bool
	logger         *slog.Logger
	protocolLogger log.Logger
	profile        *version.Profile
	handle         *Connection
	dispatcher     *dispatcher
	heartbeat      *transport.Heartbeat

	// cleanupDone is closed once the post-close cleanup has run.
	cleanupDone chan struct{}

	mu                        sync.Mutex
	closed                    bool
	userID                    string
	collectionViews           map[string]*mergebox.CollectionView
	namedSubs                 map[string]*Subscription
	universalSubs             []*Subscription
	isSending                 bool
	pendingReady              []string
	dontStartNewUniversalSubs bool
	closeCallbacks            []func()
}

// newSession creates a session for a negotiated connection and sends
// connected.
func newSession(server *Server, ver string, conn Conn) *Session {
	s := &Session{
		id:              uuid.NewString(),
		server:          server,
		conn:            conn,
		codec:           wire.CodecFor(conn.Subprotocol()),
		version:         ver,
		respondToPings:  server.config.RespondToPings,
		protocolLogger:  server.config.ProtocolLogger,
		cleanupDone:     make(chan struct{}),
		collectionViews: make(map[string]*mergebox.CollectionView),
		namedSubs:       make(map[string]*Subscription),
		isSending:       true,
	}
	s.logger = server.logger.With("sessionID", s.id)
	profile, err := version.LoadProfile(ver)
	if err != nil {
		s.logger.Error("no profile for negotiated version", "version", ver, "error", err)
		profile = &version.Profile{Version: ver}
	}
	s.profile = profile
	s.dispatcher = newDispatcher(s.handleQueued)
	s.handle = newConnection(s, server.config.ForwardedCount)

	if version.SupportsHeartbeat(ver) && server.config.HeartbeatInterval != 0 {
		s.heartbeat = transport.NewHeartbeat(transport.HeartbeatConfig{
			Interval: server.config.HeartbeatInterval,
			Timeout:  server.config.HeartbeatTimeout,
		}, s.sendPing, s.heartbeatTimeout)
		s.heartbeat.Start(context.Background())
	}

	s.send(wire.Connected(s.id))
	s.logState("", SessionConnected, "version "+ver)
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Version returns the negotiated DDP version.
func (s *Session) Version() string {
	return s.version
}

// UserID returns the current user id ("" when logged out).
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Connection returns the connection handle.
func (s *Session) Connection() *Connection {
	return s.handle
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done returns a channel closed once the session is closed and its
// subscriptions and close callbacks have run.
func (s *Session) Done() <-chan struct{} {
	return s.cleanupDone
}

// CollectionNames returns the collections currently visible to the client.
func (s *Session) CollectionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.collectionViews))
	for name := range s.collectionViews {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DocumentFields returns the merged fields the client sees for a document.
func (s *Session) DocumentFields(collection, id string) (wire.Fields, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.collectionViews[collection]
	if !ok {
		return nil, false
	}
	doc, ok := view.Document(id)
	if !ok {
		return nil, false
	}
	return doc.Fields(), true
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (s *Session) send(msg *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(msg)
}

func (s *Session) sendLocked(msg *wire.Message) error {
	return s.sendEventLocked(msg, nil)
}

// sendEventLocked sends msg, recording me (or a summary of msg when nil) in
// the protocol log.
func (s *Session) sendEventLocked(msg *wire.Message, me *log.MessageEvent) error {
	if s.closed {
		return ErrSessionClosed
	}
	data, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error("failed to encode message", "msg", msg.Msg, "error", err)
		return err
	}
	if s.protocolLogger != nil {
		if me == nil {
			me = log.NewOutboundMessageEvent(msg)
		}
		s.logMessage(log.DirectionOut, me)
	}
	return s.conn.Send(data)
}

func (s *Session) sendError(reason string, offending wire.Inbound) {
	var o any
	if len(offending) > 0 {
		o = map[string]any(offending)
	}
	s.send(wire.ProtocolError(reason, o))
}

func (s *Session) sendPing() error {
	s.logControl(log.DirectionOut, log.ControlMsgPing)
	return s.send(wire.Ping())
}

func (s *Session) heartbeatTimeout() {
	s.logControl(log.DirectionIn, log.ControlMsgTimeout)
	s.logger.Info("heartbeat timed out")
	s.Close()
}

func (s *Session) sendReadyLocked(ids ...string) {
	if s.isSending {
		s.sendLocked(wire.Ready(ids...))
		return
	}
	s.pendingReady = append(s.pendingReady, ids...)
}

func (s *Session) sendAddedLocked(collection, id string, fields wire.Fields) {
	if s.isSending {
		s.sendLocked(wire.Added(collection, id, fields))
	}
}

func (s *Session) sendChangedLocked(collection, id string, fields wire.Fields) {
	if s.isSending {
		s.sendLocked(wire.Changed(collection, id, fields))
	}
}

func (s *Session) sendRemovedLocked(collection, id string) {
	if s.isSending {
		s.sendLocked(wire.Removed(collection, id))
	}
}

func (s *Session) sendCallbacks() mergebox.Callbacks {
	return mergebox.Callbacks{
		Added:   s.sendAddedLocked,
		Changed: s.sendChangedLocked,
		Removed: s.sendRemovedLocked,
	}
}

// ---------------------------------------------------------------------------
// Merge box
// ---------------------------------------------------------------------------

func (s *Session) collectionViewLocked(collection string) *mergebox.CollectionView {
	view, ok := s.collectionViews[collection]
	if !ok {
		view = mergebox.NewCollectionView(collection, s.sendCallbacks())
		s.collectionViews[collection] = view
	}
	return view
}

func (s *Session) addedLocked(handle, collection, id string, fields wire.Fields) {
	s.collectionViewLocked(collection).Added(handle, id, fields)
}

func (s *Session) changedLocked(handle, collection, id string, fields wire.Fields) error {
	view := s.collectionViewLocked(collection)
	err := view.Changed(handle, id, fields)
	if err != nil {
		s.logger.Error("merge box inconsistency", "sub", handle, "collection", collection, "error", err)
		s.dropIfEmptyLocked(collection, view)
	}
	return err
}

func (s *Session) removedLocked(handle, collection, id string) error {
	view := s.collectionViewLocked(collection)
	err := view.Removed(handle, id)
	if err != nil {
		s.logger.Error("merge box inconsistency", "sub", handle, "collection", collection, "error", err)
	}
	s.dropIfEmptyLocked(collection, view)
	return err
}

func (s *Session) dropIfEmptyLocked(collection string, view *mergebox.CollectionView) {
	if view.IsEmpty() {
		delete(s.collectionViews, collection)
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// ProcessMessage handles a decoded message. Heartbeat traffic is answered
// right away; everything else is queued.
func (s *Session) ProcessMessage(msg wire.Inbound) {
	s.mu.Lock()
	closed := s.closed
	hb := s.heartbeat
	s.mu.Unlock()
	if closed {
		return
	}

	s.logMessage(log.DirectionIn, log.NewInboundMessageEvent(msg))
	if hb != nil {
		hb.MessageReceived()
	}

	// Versions without ping and pong queue them like any other
	// message; the dispatcher answers "Bad request".
	switch t := msg.Type(); {
	case t == wire.MsgPing && s.profile.AcceptsClient(t):
		s.logControl(log.DirectionIn, log.ControlMsgPing)
		if s.respondToPings {
			id, _ := msg.String("id")
			s.send(wire.Pong(id))
		}
		return
	case t == wire.MsgPong && s.profile.AcceptsClient(t):
		s.logControl(log.DirectionIn, log.ControlMsgPong)
		return
	}

	s.dispatcher.push(msg)
}

// handleQueued runs one dequeued message.
func (s *Session) handleQueued(msg wire.Inbound, unblock func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Internal exception while processing message", "msg", msg.Type(), "panic", r)
		}
	}()

	s.server.runMessageHooks(msg, s.handle)

	if !s.profile.AcceptsClient(msg.Type()) {
		s.sendError("Bad request", msg)
		return
	}
	switch msg.Type() {
	case wire.MsgSub:
		s.handleSub(msg)
	case wire.MsgUnsub:
		s.handleUnsub(msg)
	case wire.MsgMethod:
		s.handleMethod(msg, unblock)
	default:
		s.sendError("Bad request", msg)
	}
}

func (s *Session) handleSub(msg wire.Inbound) {
	id, okID := msg.String("id")
	name, okName := msg.String("name")
	params, okParams := msg.Array("params")
	if !okID || !okName || (msg.Has("params") && !okParams) {
		s.sendError("Malformed subscription", msg)
		return
	}

	handler, ok := s.server.publishHandler(name)
	if !ok {
		s.send(wire.Nosub(id, wire.SubNotFound(name)))
		return
	}

	s.mu.Lock()
	_, exists := s.namedSubs[id]
	s.mu.Unlock()
	if exists {
		// Duplicate ids are ignored so a reconnecting client can resend.
		return
	}

	s.startSubscription(handler, id, params, name)
}

func (s *Session) handleUnsub(msg wire.Inbound) {
	id, _ := msg.String("id")
	s.stopSubscription(id, nil)
}

func (s *Session) handleMethod(msg wire.Inbound, unblock func()) {
	id, okID := msg.String("id")
	name, okName := msg.String("method")
	params, okParams := msg.Array("params")
	randomSeed, okSeed := msg.String("randomSeed")
	if !okID || !okName ||
		(msg.Has("params") && !okParams) ||
		(msg.Has("randomSeed") && !okSeed) {
		s.sendError("Malformed method invocation", msg)
		return
	}

	started := time.Now()

	f := fence.New()
	f.SetLogger(s.logger)
	f.OnAllCommitted(func() {
		f.Retire()
		s.send(wire.Updated(id))
	})

	handler, ok := s.server.methodHandler(name)
	if !ok {
		s.send(wire.Result(id, nil, wire.MethodNotFound(name)))
		f.Arm()
		return
	}

	inv := &MethodInvocation{
		name:       name,
		connection: s.handle,
		randomSeed: randomSeed,
		userID:     s.UserID(),
		setUserID: func(userID string) error {
			s.setUserID(userID)
			return nil
		},
		unblock: unblock,
	}
	inv.ctx = fence.NewContext(withInvocation(context.Background(), inv), f)

	result, err := runMethod(handler, inv, params)

	f.Arm()
	inv.Unblock()

	var werr *wire.Error
	if err != nil {
		werr = SanitizeError(err, "while invoking method '"+name+"'", s.logger)
		result = nil
	}
	reply := wire.Result(id, result, werr)

	elapsed := time.Since(started)
	me := log.NewOutboundMessageEvent(reply)
	me.ProcessingTime = &elapsed
	s.mu.Lock()
	s.sendEventLocked(reply, me)
	s.mu.Unlock()
	s.logger.Debug("method finished", "method", name, "id", id, "duration", elapsed)
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func (s *Session) startSubscription(handler PublishHandler, subscriptionID string, params []any, name string) {
	s.mu.Lock()
	if s.closed || (subscriptionID == "" && s.dontStartNewUniversalSubs) {
		s.mu.Unlock()
		return
	}
	sub := newSubscription(s, handler, subscriptionID, params, name, s.userID)
	if subscriptionID != "" {
		s.namedSubs[subscriptionID] = sub
	} else {
		s.universalSubs = append(s.universalSubs, sub)
	}
	s.mu.Unlock()

	s.logSubscription(sub, "", "RUNNING")
	sub.runHandler()
}

func (s *Session) startUniversalSubs() {
	for _, handler := range s.server.universalHandlers() {
		s.startSubscription(handler, "", nil, "")
	}
}

// startUniversalSub starts one universal publication. Sessions in the
// middle of a user switch skip it; the switch starts every universal
// publication anyway.
func (s *Session) startUniversalSub(handler PublishHandler) {
	s.startSubscription(handler, "", nil, "")
}

// stopSubscription removes a named subscription's documents, deactivates
// it and sends nosub. The nosub goes out even for an unknown id.
func (s *Session) stopSubscription(subscriptionID string, err error) {
	s.stopNamedSubscription(subscriptionID, nil, err)
}

// stopNamedSubscription is stopSubscription restricted to want when it is
// non-nil: if the id now belongs to another subscription (a user switch
// recreated it) or want was already deactivated, nothing happens.
func (s *Session) stopNamedSubscription(subscriptionID string, want *Subscription, err error) {
	var callbacks []func()
	var stopped *Subscription

	s.mu.Lock()
	if want != nil && (want.isDeactivatedLocked() || s.namedSubs[subscriptionID] != want) {
		s.mu.Unlock()
		return
	}
	if subscriptionID != "" {
		if sub, ok := s.namedSubs[subscriptionID]; ok {
			stopped = sub
			sub.removeAllDocumentsLocked()
			callbacks = sub.deactivateLocked()
			delete(s.namedSubs, subscriptionID)
		}
	}

	var werr *wire.Error
	if err != nil {
		where := "from sub id " + subscriptionID
		if stopped != nil {
			where = "from sub " + stopped.name + " id " + subscriptionID
		}
		werr = SanitizeError(err, where, s.logger)
	}
	s.sendLocked(wire.Nosub(subscriptionID, werr))
	s.mu.Unlock()

	if stopped != nil {
		s.logSubscription(stopped, "RUNNING", "STOPPED")
	}
	runCallbacks(s.logger, callbacks)
}

// stopUniversalSubscription removes a universal subscription's documents
// and deactivates it. Universal subscriptions have no id, so nothing is
// sent to the client beyond the removals.
func (s *Session) stopUniversalSubscription(sub *Subscription, err error) {
	s.mu.Lock()
	if sub.isDeactivatedLocked() {
		s.mu.Unlock()
		return
	}
	sub.removeAllDocumentsLocked()
	callbacks := sub.deactivateLocked()
	for i, u := range s.universalSubs {
		if u == sub {
			s.universalSubs = append(s.universalSubs[:i:i], s.universalSubs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err != nil {
		SanitizeError(err, "from universal sub "+sub.handle, s.logger)
	}
	s.logSubscription(sub, "RUNNING", "STOPPED")
	runCallbacks(s.logger, callbacks)
}

// deactivateAllLocked deactivates every subscription and returns their
// stop callbacks.
func (s *Session) deactivateAllLocked() []func() {
	var callbacks []func()
	for _, id := range sortedSubIDs(s.namedSubs) {
		callbacks = append(callbacks, s.namedSubs[id].deactivateLocked()...)
	}
	for _, sub := range s.universalSubs {
		callbacks = append(callbacks, sub.deactivateLocked()...)
	}
	return callbacks
}

// setUserID switches the session's user. Every subscription is stopped
// silently and rerun under the new user; the client then receives a single
// diff between the old and new views. Document changes made while sending
// is off are not buffered and reach the client only through that diff.
func (s *Session) setUserID(userID string) {
	s.mu.Lock()
	if s.closed {
		s.userID = userID
		s.mu.Unlock()
		return
	}
	oldUserID := s.userID

	s.dontStartNewUniversalSubs = true
	callbacks := s.deactivateAllLocked()

	s.isSending = false
	before := s.collectionViews
	s.collectionViews = make(map[string]*mergebox.CollectionView)
	s.userID = userID

	oldNamed := s.namedSubs
	s.namedSubs = make(map[string]*Subscription, len(oldNamed))
	s.universalSubs = nil

	rerun := make([]*Subscription, 0, len(oldNamed))
	for _, id := range sortedSubIDs(oldNamed) {
		sub := oldNamed[id].recreate(userID)
		s.namedSubs[id] = sub
		rerun = append(rerun, sub)
	}
	s.mu.Unlock()

	runCallbacks(s.logger, callbacks)

	for _, sub := range rerun {
		sub.runHandler()
	}

	s.mu.Lock()
	s.dontStartNewUniversalSubs = false
	s.mu.Unlock()
	s.startUniversalSubs()

	s.mu.Lock()
	s.isSending = true
	s.diffCollectionViewsLocked(before)
	if len(s.pendingReady) > 0 {
		s.sendReadyLocked(s.pendingReady...)
		s.pendingReady = nil
	}
	s.mu.Unlock()

	s.logState(SessionConnected, SessionUserChanged, oldUserID+" -> "+userID)
}

// diffCollectionViewsLocked sends the deltas from before to the current
// views.
func (s *Session) diffCollectionViewsLocked(before map[string]*mergebox.CollectionView) {
	mergebox.DiffViews(before, s.collectionViews, s.sendCallbacks())
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func (s *Session) onClose(fn func()) {
	s.mu.Lock()
	if !s.closed {
		s.closeCallbacks = append(s.closeCallbacks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	go runCallbacks(s.logger, []func(){fn})
}

// Close destroys the session. Views are dropped and the socket is closed
// right away; subscriptions are deactivated and close callbacks run
// afterwards in a separate goroutine, tracked by Done.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.collectionViews = make(map[string]*mergebox.CollectionView)
	hb := s.heartbeat
	s.heartbeat = nil
	s.mu.Unlock()

	s.dispatcher.close()
	if hb != nil {
		hb.Stop()
	}
	s.conn.Close()

	go func() {
		defer close(s.cleanupDone)

		s.mu.Lock()
		callbacks := s.deactivateAllLocked()
		s.namedSubs = make(map[string]*Subscription)
		s.universalSubs = nil
		callbacks = append(callbacks, s.closeCallbacks...)
		s.closeCallbacks = nil
		s.mu.Unlock()

		runCallbacks(s.logger, callbacks)
	}()

	s.server.removeSession(s)
	s.logState(SessionConnected, SessionClosed, "")
	s.logger.Info("session closed")
}

// ---------------------------------------------------------------------------
// Protocol capture
// ---------------------------------------------------------------------------

func (s *Session) event(direction log.Direction, category log.Category) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.conn.ID(),
		Direction:    direction,
		Layer:        log.LayerSession,
		Category:     category,
		RemoteAddr:   s.conn.RemoteAddr(),
		SessionID:    s.id,
	}
}

func (s *Session) logMessage(direction log.Direction, me *log.MessageEvent) {
	if s.protocolLogger == nil {
		return
	}
	e := s.event(direction, log.CategoryMessage)
	e.Layer = log.LayerWire
	e.Message = me
	s.protocolLogger.Log(e)
}

func (s *Session) logControl(direction log.Direction, t log.ControlMsgType) {
	if s.protocolLogger == nil {
		return
	}
	e := s.event(direction, log.CategoryControl)
	e.ControlMsg = &log.ControlMsgEvent{Type: t}
	s.protocolLogger.Log(e)
}

func (s *Session) logState(oldState, newState SessionState, reason string) {
	if s.protocolLogger == nil {
		return
	}
	e := s.event(log.DirectionOut, log.CategoryState)
	e.UserID = s.UserID()
	e.StateChange = &log.StateChangeEvent{
		Entity:   log.StateEntitySession,
		OldState: string(oldState),
		NewState: string(newState),
		Reason:   reason,
	}
	s.protocolLogger.Log(e)
}

func (s *Session) logSubscription(sub *Subscription, oldState, newState string) {
	s.logger.Debug("subscription "+newState, "sub", sub.handle, "name", sub.name)
	if s.protocolLogger == nil {
		return
	}
	e := s.event(log.DirectionOut, log.CategoryState)
	e.UserID = sub.userID
	e.StateChange = &log.StateChangeEvent{
		Entity:   log.StateEntitySubscription,
		OldState: oldState,
		NewState: newState,
		Reason:   sub.handle + " " + sub.name,
	}
	s.protocolLogger.Log(e)
}

func sortedSubIDs(subs map[string]*Subscription) []string {
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// runCallbacks runs stop and close callbacks, containing panics.
func runCallbacks(logger *slog.Logger, callbacks []func()) {
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}
