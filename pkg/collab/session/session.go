// Package session holds the local view of a workflow's collaboration
// state: who is present, which nodes are locked, and where everyone's
// cursor is. It translates transport messages into state and exposes
// intention-level actions (lock, unlock, presence, change broadcast)
// back to the transport.
//
// A Session is a pure follower of the server: locks exist only when a
// lock_acquired confirms them, disappear only on lock_released, and a
// lock_failed never touches the table. Presence updates are
// best-effort and dropped while disconnected; lock requests and change
// broadcasts ride the transport's offline queue instead.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/collabgraph/pkg/collab/event"
	"github.com/randalmurphal/collabgraph/pkg/collab/observability"
	"github.com/randalmurphal/collabgraph/pkg/collab/transport"
	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// Transport is the connection surface a Session drives. A
// *transport.Client satisfies it; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(msg wire.Message) error
	Status() transport.Status
	IsConnected() bool
	SetCallbacks(cbs transport.Callbacks)
}

var _ Transport = (*transport.Client)(nil)

// lockResult resolves one pending LockNode call.
type lockResult struct {
	granted bool
	reason  string
}

// lockWaiter is a pending LockNode call awaiting its server response.
type lockWaiter struct {
	nodeID string
	ch     chan lockResult
}

// Session is one user's participation in a workflow's collaboration
// channel, bound to one transport connection. Construct with New,
// call Start to join, and Close to leave. Safe for concurrent use.
type Session struct {
	opts   Options
	tr     Transport
	bus    *event.Bus
	logger *slog.Logger

	mu           sync.RWMutex
	participants map[string]*wire.Participant
	locks        map[string]wire.NodeLock
	cursors      map[string]wire.Point

	pmu           sync.Mutex
	pending       map[string]*lockWaiter
	pendingByNode map[string][]string // node id -> request ids, FIFO

	closeOnce sync.Once
}

// New creates a session over the given transport. The transport must
// not be connected yet: New installs the session's callbacks, and
// Start opens the connection.
func New(tr Transport, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()

	s := &Session{
		opts:          opts,
		tr:            tr,
		bus:           event.NewBus(event.BusConfig{BufferSize: opts.BusBufferSize}),
		logger:        observability.EnrichLogger(opts.Logger, opts.WorkflowID, opts.UserID),
		participants:  make(map[string]*wire.Participant),
		locks:         make(map[string]wire.NodeLock),
		cursors:       make(map[string]wire.Point),
		pending:       make(map[string]*lockWaiter),
		pendingByNode: make(map[string][]string),
	}

	tr.SetCallbacks(transport.Callbacks{
		OnMessage:      s.handleMessage,
		OnStatusChange: s.handleStatus,
		OnError:        s.handleTransportError,
		OnConnect:      s.handleConnect,
	})
	return s, nil
}

// Start connects the transport and joins the collaboration channel.
func (s *Session) Start(ctx context.Context) error {
	return s.tr.Connect(ctx)
}

// Close sends a leave notice, disconnects the transport, and shuts
// down the event bus. The leave is sent before the socket closes so
// peers get a clean departure rather than a socket-close timeout.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.tr.IsConnected() {
			if msg, err := s.newMessage(wire.TypeLeave, wire.Leave{
				WorkflowID: s.opts.WorkflowID,
				UserID:     s.opts.UserID,
			}); err == nil {
				s.tr.Send(msg)
			}
		}
		s.tr.Disconnect()
		s.bus.Close()
	})
}

// Events returns the session's event bus for subscribing to
// participant, lock, change, status, and error notifications.
func (s *Session) Events() *event.Bus {
	return s.bus
}

// Status returns the transport status.
func (s *Session) Status() transport.Status {
	return s.tr.Status()
}

// Actions

// LockNode requests exclusive edit rights on a node. It returns false
// immediately when disconnected; otherwise it sends a lock_request
// tagged with a fresh request id and waits for the matching
// lock_acquired or lock_failed, up to LockTimeout. Timeout and context
// cancellation resolve to denied — the lock table stays authoritative
// either way.
func (s *Session) LockNode(ctx context.Context, nodeID string) (granted bool, err error) {
	if !s.tr.IsConnected() {
		return false, nil
	}

	ctx, span := s.opts.Spans.StartLockSpan(ctx, s.opts.WorkflowID, nodeID)
	defer func() { s.opts.Spans.EndSpanWithError(span, err) }()

	elapsed := observability.TimedOperation()
	requestID := uuid.New().String()
	waiter := &lockWaiter{nodeID: nodeID, ch: make(chan lockResult, 1)}

	s.pmu.Lock()
	s.pending[requestID] = waiter
	s.pendingByNode[nodeID] = append(s.pendingByNode[nodeID], requestID)
	s.pmu.Unlock()

	msg, err := s.newMessage(wire.TypeLockRequest, wire.LockRequest{
		NodeID:    nodeID,
		RequestID: requestID,
	})
	if err != nil {
		s.dropWaiter(requestID, nodeID)
		return false, err
	}
	if err := s.tr.Send(msg); err != nil {
		s.dropWaiter(requestID, nodeID)
		return false, err
	}

	timer := time.NewTimer(s.opts.LockTimeout)
	defer timer.Stop()

	select {
	case res := <-waiter.ch:
		s.opts.Metrics.RecordLockOutcome(ctx, res.granted, elapsed())
		return res.granted, nil
	case <-timer.C:
		s.dropWaiter(requestID, nodeID)
		s.opts.Metrics.RecordLockOutcome(ctx, false, elapsed())
		return false, nil
	case <-ctx.Done():
		s.dropWaiter(requestID, nodeID)
		return false, ctx.Err()
	}
}

// UnlockNode releases a held lock. It is a no-op while disconnected
// and does not remove the lock locally — the table waits for the
// server's lock_released so it stays authoritative.
func (s *Session) UnlockNode(nodeID string) error {
	if !s.tr.IsConnected() {
		return nil
	}
	msg, err := s.newMessage(wire.TypeLockRelease, wire.LockRelease{NodeID: nodeID})
	if err != nil {
		return err
	}
	return s.tr.Send(msg)
}

// UpdateCursor broadcasts the local pointer position. Best-effort:
// silently dropped while disconnected, since a stale cursor replayed
// after reconnect is worse than a missing one.
func (s *Session) UpdateCursor(position wire.Point) {
	if !s.tr.IsConnected() {
		return
	}
	if msg, err := s.newMessage(wire.TypeCursorUpdate, wire.CursorUpdate{Position: position}); err == nil {
		s.tr.Send(msg)
	}
}

// UpdateViewport broadcasts the local viewport. Best-effort, like
// UpdateCursor.
func (s *Session) UpdateViewport(viewport wire.Viewport) {
	if !s.tr.IsConnected() {
		return
	}
	if msg, err := s.newMessage(wire.TypeViewportUpdate, wire.ViewportUpdate{Viewport: viewport}); err == nil {
		s.tr.Send(msg)
	}
}

// BroadcastChange sends a workflow change to the channel. Unlike
// presence, changes matter enough to ride the transport's offline
// queue: while disconnected the change is queued and replayed in
// order on reconnect.
func (s *Session) BroadcastChange(change wire.WorkflowChange) error {
	msg, err := s.newMessage(wire.TypeChange, wire.Change{Change: change})
	if err != nil {
		return err
	}
	return s.tr.Send(msg)
}

// Reads

// IsNodeLocked reports whether any participant holds a lock on the node.
func (s *Session) IsNodeLocked(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.locks[nodeID]
	return ok
}

// NodeLockOwner returns the lock owner's user id, if the node is locked.
func (s *Session) NodeLockOwner(nodeID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[nodeID]
	if !ok {
		return "", false
	}
	return lock.OwnerID, true
}

// CanEdit reports whether the local user may edit the node: true when
// the node is unlocked or locked by this session.
func (s *Session) CanEdit(nodeID string) bool {
	owner, locked := s.NodeLockOwner(nodeID)
	return !locked || owner == s.opts.UserID
}

// Participants returns the remote participants, ordered by user id.
// The local user is never included.
func (s *Session) Participants() []wire.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Participant returns one remote participant by user id.
func (s *Session) Participant(userID string) (wire.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[userID]
	if !ok {
		return wire.Participant{}, false
	}
	return *p, true
}

// Cursors returns the last known cursor position per remote user.
func (s *Session) Cursors() map[string]wire.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]wire.Point, len(s.cursors))
	for id, pos := range s.cursors {
		out[id] = pos
	}
	return out
}

// Locks returns the current lock table, ordered by node id.
func (s *Session) Locks() []wire.NodeLock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.NodeLock, 0, len(s.locks))
	for _, lock := range s.locks {
		out = append(out, lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Transport callbacks

// handleConnect fires on every successful (re)connect: the session
// announces itself so the server responds with a fresh welcome
// snapshot. State from before a disconnect is kept until that welcome
// replaces it, so a transient blip never shows an empty room.
func (s *Session) handleConnect() {
	msg, err := s.newMessage(wire.TypeJoin, wire.Join{
		WorkflowID: s.opts.WorkflowID,
		UserID:     s.opts.UserID,
		UserName:   s.opts.UserName,
		Color:      s.opts.Color,
	})
	if err != nil {
		return
	}
	s.tr.Send(msg)
}

func (s *Session) handleStatus(status transport.Status) {
	s.bus.Publish(event.New(event.TypeStatusChanged, event.StatusChange{
		Status: string(status),
	}))
}

func (s *Session) handleTransportError(cerr *transport.ClientError) {
	s.bus.Publish(event.New(event.TypeError, event.Error{Err: cerr}))
}

// handleMessage is the reducer: one inbound message, one state effect.
func (s *Session) handleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeWelcome:
		var welcome wire.Welcome
		if !s.decode(msg, &welcome) {
			return
		}
		s.applyWelcome(welcome)

	case wire.TypeUserJoined:
		var joined wire.UserJoined
		if !s.decode(msg, &joined) {
			return
		}
		s.applyUserJoined(joined.User)

	case wire.TypeUserLeft:
		var left wire.UserLeft
		if !s.decode(msg, &left) {
			return
		}
		s.applyUserLeft(left.UserID)

	case wire.TypeCursorMoved:
		var moved wire.CursorMoved
		if !s.decode(msg, &moved) {
			return
		}
		s.applyCursorMoved(moved)

	case wire.TypeViewportChanged:
		var changed wire.ViewportChanged
		if !s.decode(msg, &changed) {
			return
		}
		s.applyViewportChanged(changed)

	case wire.TypeLockAcquired:
		var acquired wire.LockAcquired
		if !s.decode(msg, &acquired) {
			return
		}
		s.applyLockAcquired(acquired)

	case wire.TypeLockReleased:
		var released wire.LockReleased
		if !s.decode(msg, &released) {
			return
		}
		s.applyLockReleased(released.NodeID)

	case wire.TypeLockFailed:
		var failed wire.LockFailed
		if !s.decode(msg, &failed) {
			return
		}
		s.applyLockFailed(failed)

	case wire.TypeChangeApplied:
		var applied wire.ChangeApplied
		if !s.decode(msg, &applied) {
			return
		}
		s.bus.Publish(event.New(event.TypeChangeApplied, event.ChangeApplied{
			Change:  applied.Change,
			Version: applied.Version,
		}))

	case wire.TypeSyncRequired:
		var sync wire.SyncRequired
		if !s.decode(msg, &sync) {
			// Relay even without a payload; the signal is what matters.
			sync = wire.SyncRequired{}
		}
		s.bus.Publish(event.New(event.TypeSyncRequired, event.SyncRequired{
			Reason: sync.Reason,
			State:  sync.State,
		}))

	case wire.TypeError:
		var serverErr wire.ServerError
		if !s.decode(msg, &serverErr) {
			return
		}
		s.bus.Publish(event.New(event.TypeError, event.Error{
			Err: &ServerError{Message: serverErr.Message},
		}))

	case wire.TypePong:
		// Heartbeat acknowledgement; nothing to do.
	}
}

// Reducer effects

// applyWelcome replaces participant and lock state wholesale from the
// server's snapshot. Pre-disconnect state is fully replaced, never
// merged, and the events published are the diff against it: peers
// already known do not re-join, and peers or locks the snapshot no
// longer carries are announced as departed or released.
func (s *Session) applyWelcome(welcome wire.Welcome) {
	participants := make(map[string]*wire.Participant, len(welcome.Users))
	cursors := make(map[string]wire.Point)
	for i := range welcome.Users {
		p := welcome.Users[i]
		if p.UserID == s.opts.UserID {
			continue // self is not a participant record
		}
		participants[p.UserID] = &p
		if p.Cursor != nil {
			cursors[p.UserID] = *p.Cursor
		}
	}
	locks := make(map[string]wire.NodeLock, len(welcome.Locks))
	for _, lock := range welcome.Locks {
		locks[lock.NodeID] = lock
	}

	s.mu.Lock()
	prevParticipants := s.participants
	prevLocks := s.locks
	s.participants = participants
	s.cursors = cursors
	s.locks = locks
	s.mu.Unlock()

	for id, p := range participants {
		if _, known := prevParticipants[id]; known {
			continue
		}
		s.bus.Publish(event.New(event.TypeParticipantJoined, event.ParticipantChange{
			UserID:      p.UserID,
			Participant: p,
		}))
	}
	for id := range prevParticipants {
		if _, still := participants[id]; !still {
			s.bus.Publish(event.New(event.TypeParticipantLeft, event.ParticipantChange{
				UserID: id,
			}))
		}
	}
	for nodeID := range locks {
		lock := locks[nodeID]
		s.bus.Publish(event.New(event.TypeLockChanged, event.LockChange{
			NodeID: nodeID,
			Lock:   &lock,
		}))
	}
	for nodeID := range prevLocks {
		if _, still := locks[nodeID]; !still {
			s.bus.Publish(event.New(event.TypeLockChanged, event.LockChange{
				NodeID: nodeID,
			}))
		}
	}
}

func (s *Session) applyUserJoined(p wire.Participant) {
	if p.UserID == s.opts.UserID {
		return
	}

	s.mu.Lock()
	if _, exists := s.participants[p.UserID]; exists {
		// Duplicate join announcements are ignored.
		s.mu.Unlock()
		return
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	if p.LastActivity.IsZero() {
		p.LastActivity = p.JoinedAt
	}
	s.participants[p.UserID] = &p
	s.mu.Unlock()

	s.bus.Publish(event.New(event.TypeParticipantJoined, event.ParticipantChange{
		UserID:      p.UserID,
		Participant: &p,
	}))
}

func (s *Session) applyUserLeft(userID string) {
	s.mu.Lock()
	_, existed := s.participants[userID]
	delete(s.participants, userID)
	delete(s.cursors, userID)
	s.mu.Unlock()

	if existed {
		s.bus.Publish(event.New(event.TypeParticipantLeft, event.ParticipantChange{
			UserID: userID,
		}))
	}
}

func (s *Session) applyCursorMoved(moved wire.CursorMoved) {
	now := time.Now().UTC()

	s.mu.Lock()
	s.cursors[moved.UserID] = moved.Position
	if p, ok := s.participants[moved.UserID]; ok {
		pos := moved.Position
		p.Cursor = &pos
		p.LastActivity = now
	}
	s.mu.Unlock()

	pos := moved.Position
	s.bus.Publish(event.New(event.TypeCursorUpdated, event.PresenceUpdate{
		UserID: moved.UserID,
		Cursor: &pos,
	}))
}

func (s *Session) applyViewportChanged(changed wire.ViewportChanged) {
	now := time.Now().UTC()

	s.mu.Lock()
	if p, ok := s.participants[changed.UserID]; ok {
		vp := changed.Viewport
		p.Viewport = &vp
		p.LastActivity = now
	}
	s.mu.Unlock()

	vp := changed.Viewport
	s.bus.Publish(event.New(event.TypeViewportUpdated, event.PresenceUpdate{
		UserID:   changed.UserID,
		Viewport: &vp,
	}))
}

func (s *Session) applyLockAcquired(acquired wire.LockAcquired) {
	nodeID := acquired.Lock.NodeID
	if nodeID == "" {
		nodeID = acquired.NodeID
	}
	lock := acquired.Lock
	lock.NodeID = nodeID

	// The most recent message for a node wins; insert-or-overwrite.
	s.mu.Lock()
	s.locks[nodeID] = lock
	s.mu.Unlock()

	granted := lock.OwnerID == s.opts.UserID
	s.resolveWaiter(acquired.RequestID, nodeID, lockResult{granted: granted})

	if granted {
		observability.LogLockGranted(s.logger, nodeID, lock.OwnerID)
	}
	s.bus.Publish(event.New(event.TypeLockChanged, event.LockChange{
		NodeID: nodeID,
		Lock:   &lock,
	}))
}

func (s *Session) applyLockReleased(nodeID string) {
	s.mu.Lock()
	_, existed := s.locks[nodeID]
	delete(s.locks, nodeID)
	s.mu.Unlock()

	if existed {
		s.bus.Publish(event.New(event.TypeLockChanged, event.LockChange{
			NodeID: nodeID,
		}))
	}
}

// applyLockFailed resolves the pending request as denied. It never
// creates a lock table entry: denial is informational.
func (s *Session) applyLockFailed(failed wire.LockFailed) {
	s.resolveWaiter(failed.RequestID, failed.NodeID, lockResult{
		granted: false,
		reason:  failed.Reason,
	})
	observability.LogLockDenied(s.logger, failed.NodeID, failed.Reason)
	s.bus.Publish(event.New(event.TypeLockDenied, event.LockDenied{
		NodeID: failed.NodeID,
		Reason: failed.Reason,
	}))
}

// Lock-request correlation

// resolveWaiter completes a pending LockNode call. Responses are
// matched by request id when the server echoes one; otherwise the
// oldest waiter for the node resolves, which keeps older servers
// working. A response that matches no waiter (a peer's grant, or a
// stale reply after timeout) is a no-op here.
func (s *Session) resolveWaiter(requestID, nodeID string, res lockResult) {
	s.pmu.Lock()
	var waiter *lockWaiter
	if requestID != "" {
		if w, ok := s.pending[requestID]; ok {
			waiter = w
			s.removeWaiterLocked(requestID, w.nodeID)
		}
	}
	if waiter == nil && nodeID != "" {
		if ids := s.pendingByNode[nodeID]; len(ids) > 0 {
			id := ids[0]
			waiter = s.pending[id]
			s.removeWaiterLocked(id, nodeID)
		}
	}
	s.pmu.Unlock()

	if waiter != nil {
		waiter.ch <- res
	}
}

// dropWaiter unregisters a pending request after timeout or
// cancellation. A late server response then resolves nothing, by
// design of the request-id correlation.
func (s *Session) dropWaiter(requestID, nodeID string) {
	s.pmu.Lock()
	s.removeWaiterLocked(requestID, nodeID)
	s.pmu.Unlock()
}

// removeWaiterLocked removes one request from both indexes.
// Caller holds pmu.
func (s *Session) removeWaiterLocked(requestID, nodeID string) {
	delete(s.pending, requestID)
	ids := s.pendingByNode[nodeID]
	for i, id := range ids {
		if id == requestID {
			s.pendingByNode[nodeID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.pendingByNode[nodeID]) == 0 {
		delete(s.pendingByNode, nodeID)
	}
}

// Helpers

// newMessage stamps the envelope with the session's routing identity.
func (s *Session) newMessage(t wire.Type, payload any) (wire.Message, error) {
	msg, err := wire.NewMessage(t, payload)
	if err != nil {
		return wire.Message{}, err
	}
	msg.WorkflowID = s.opts.WorkflowID
	msg.UserID = s.opts.UserID
	return msg, nil
}

// decode unmarshals a payload, logging and dropping the message on
// failure.
func (s *Session) decode(msg wire.Message, v any) bool {
	if err := msg.DecodePayload(v); err != nil {
		observability.LogMessageDropped(s.logger, err)
		return false
	}
	return true
}

// ServerError is a failure reported by the collaboration endpoint.
type ServerError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
