package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// lockSweepInterval is how often a room scans for expired locks.
const lockSweepInterval = 5 * time.Second

// inboundMessage pairs a decoded frame with its sender.
type inboundMessage struct {
	from *client
	msg  wire.Message
}

// room serializes all state for one workflow's collaboration channel.
// A single goroutine (run) owns the participant and lock tables, so
// message handling needs no locking.
type room struct {
	hub        *Hub
	workflowID string
	logger     *slog.Logger

	register   chan *client
	unregister chan *client
	inbound    chan inboundMessage
	done       chan struct{}
	stopOnce   sync.Once

	// Owned by run.
	clients map[*client]struct{}
	locks   map[string]wire.NodeLock
}

func newRoom(h *Hub, workflowID string) *room {
	return &room{
		hub:        h,
		workflowID: workflowID,
		logger:     h.opts.Logger.With("workflow_id", workflowID),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inboundMessage, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		locks:      make(map[string]wire.NodeLock),
	}
}

func (r *room) run() {
	sweep := time.NewTicker(lockSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case c := <-r.register:
			r.clients[c] = struct{}{}

		case c := <-r.unregister:
			r.dropClient(c)
			if len(r.clients) == 0 {
				// Remove from the hub before signalling done, so a
				// racing attach retries against a fresh room.
				r.hub.removeRoom(r.workflowID)
				r.stop()
				return
			}

		case in := <-r.inbound:
			r.handle(in.from, in.msg)

		case now := <-sweep.C:
			r.expireLocks(now)

		case <-r.done:
			for c := range r.clients {
				c.close()
			}
			return
		}
	}
}

func (r *room) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// handle dispatches one client frame. Runs on the room goroutine.
func (r *room) handle(from *client, msg wire.Message) {
	switch msg.Type {
	case wire.TypeJoin:
		var join wire.Join
		if !r.decode(msg, &join) {
			return
		}
		r.handleJoin(from, join)

	case wire.TypeLeave:
		r.dropClient(from)
		from.close()

	case wire.TypePing:
		r.sendTo(from, wire.TypePong, nil)

	case wire.TypeCursorUpdate:
		var cu wire.CursorUpdate
		if !r.decode(msg, &cu) || !from.joined() {
			return
		}
		pos := cu.Position
		from.participant.Cursor = &pos
		from.participant.LastActivity = time.Now().UTC()
		r.broadcastExcept(from, wire.TypeCursorMoved, wire.CursorMoved{
			UserID:   from.participant.UserID,
			Position: cu.Position,
		})

	case wire.TypeViewportUpdate:
		var vu wire.ViewportUpdate
		if !r.decode(msg, &vu) || !from.joined() {
			return
		}
		vp := vu.Viewport
		from.participant.Viewport = &vp
		from.participant.LastActivity = time.Now().UTC()
		r.broadcastExcept(from, wire.TypeViewportChanged, wire.ViewportChanged{
			UserID:   from.participant.UserID,
			Viewport: vu.Viewport,
		})

	case wire.TypeLockRequest:
		var req wire.LockRequest
		if !r.decode(msg, &req) || !from.joined() {
			return
		}
		r.handleLockRequest(from, req)

	case wire.TypeLockRelease:
		var rel wire.LockRelease
		if !r.decode(msg, &rel) || !from.joined() {
			return
		}
		r.releaseLock(rel.NodeID, from.participant.UserID)

	case wire.TypeChange:
		var ch wire.Change
		if !r.decode(msg, &ch) || !from.joined() {
			return
		}
		r.handleChange(from, ch.Change)

	default:
		r.logger.Debug("ignoring unhandled message type", "type", msg.Type)
	}
}

// handleJoin records the sender's identity and answers with the
// current room snapshot. Peers learn about the newcomer via
// user_joined; the newcomer learns about everyone via welcome.
func (r *room) handleJoin(from *client, join wire.Join) {
	now := time.Now().UTC()
	from.participant = &wire.Participant{
		UserID:       join.UserID,
		UserName:     join.UserName,
		Color:        join.Color,
		JoinedAt:     now,
		LastActivity: now,
	}

	users := make([]wire.Participant, 0, len(r.clients))
	for c := range r.clients {
		if c == from || !c.joined() {
			continue
		}
		users = append(users, *c.participant)
	}
	locks := make([]wire.NodeLock, 0, len(r.locks))
	for _, lock := range r.locks {
		locks = append(locks, lock)
	}
	r.sendTo(from, wire.TypeWelcome, wire.Welcome{Users: users, Locks: locks})

	r.broadcastExcept(from, wire.TypeUserJoined, wire.UserJoined{User: *from.participant})
	r.logger.Info("user joined", "user_id", join.UserID, "user_name", join.UserName)
}

// handleLockRequest grants or denies exclusive edit rights. A grant is
// broadcast to everyone so all lock tables converge; a denial goes to
// the requester alone.
func (r *room) handleLockRequest(from *client, req wire.LockRequest) {
	now := time.Now().UTC()
	userID := from.participant.UserID

	if existing, ok := r.locks[req.NodeID]; ok && !existing.Expired(now) && existing.OwnerID != userID {
		r.sendTo(from, wire.TypeLockFailed, wire.LockFailed{
			NodeID:    req.NodeID,
			RequestID: req.RequestID,
			Reason:    "locked by " + existing.OwnerName,
		})
		return
	}

	lock := wire.NodeLock{
		NodeID:     req.NodeID,
		OwnerID:    userID,
		OwnerName:  from.participant.UserName,
		AcquiredAt: now,
		ExpiresAt:  now.Add(r.hub.opts.LockTTL),
	}
	r.locks[req.NodeID] = lock
	r.broadcast(wire.TypeLockAcquired, wire.LockAcquired{
		NodeID:    req.NodeID,
		RequestID: req.RequestID,
		Lock:      lock,
	})
	r.logger.Debug("lock granted", "node_id", req.NodeID, "owner_id", userID)
}

// releaseLock removes a lock if the caller owns it and tells everyone.
func (r *room) releaseLock(nodeID, userID string) {
	lock, ok := r.locks[nodeID]
	if !ok || lock.OwnerID != userID {
		return
	}
	delete(r.locks, nodeID)
	r.broadcast(wire.TypeLockReleased, wire.LockReleased{NodeID: nodeID})
}

// handleChange journals the change and relays it with its assigned
// version. The sender gets the same change_applied as everyone else,
// which doubles as its acknowledgement. A journal failure means the
// change is lost, so the sender is told to resynchronize.
func (r *room) handleChange(from *client, change wire.WorkflowChange) {
	version, err := r.hub.opts.Journal.Append(r.workflowID, change)
	if err != nil {
		r.logger.Error("journal append failed", "change_id", change.ID, "error", err)
		r.sendTo(from, wire.TypeSyncRequired, wire.SyncRequired{
			Reason: "change could not be recorded",
		})
		return
	}
	r.broadcast(wire.TypeChangeApplied, wire.ChangeApplied{
		Change:  change,
		Version: version,
	})
}

// expireLocks reclaims lapsed leases.
func (r *room) expireLocks(now time.Time) {
	for nodeID, lock := range r.locks {
		if lock.Expired(now) {
			delete(r.locks, nodeID)
			r.broadcast(wire.TypeLockReleased, wire.LockReleased{NodeID: nodeID})
			r.logger.Debug("lock expired", "node_id", nodeID, "owner_id", lock.OwnerID)
		}
	}
}

// dropClient removes a client, releases its locks, and announces the
// departure. Safe to call twice for the same client.
func (r *room) dropClient(c *client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)

	if !c.joined() {
		return
	}
	userID := c.participant.UserID
	for nodeID, lock := range r.locks {
		if lock.OwnerID == userID {
			delete(r.locks, nodeID)
			r.broadcast(wire.TypeLockReleased, wire.LockReleased{NodeID: nodeID})
		}
	}
	r.broadcast(wire.TypeUserLeft, wire.UserLeft{UserID: userID})
	r.logger.Info("user left", "user_id", userID)
}

// Delivery helpers. Encoding failures are programming errors in the
// payload structs and only logged.

func (r *room) sendTo(c *client, t wire.Type, payload any) {
	msg, err := wire.NewMessage(t, payload)
	if err != nil {
		r.logger.Error("encode frame", "type", t, "error", err)
		return
	}
	msg.WorkflowID = r.workflowID
	data, err := wire.Encode(msg)
	if err != nil {
		r.logger.Error("encode frame", "type", t, "error", err)
		return
	}
	c.enqueue(data)
}

func (r *room) broadcast(t wire.Type, payload any) {
	r.broadcastExcept(nil, t, payload)
}

func (r *room) broadcastExcept(skip *client, t wire.Type, payload any) {
	msg, err := wire.NewMessage(t, payload)
	if err != nil {
		r.logger.Error("encode frame", "type", t, "error", err)
		return
	}
	msg.WorkflowID = r.workflowID
	data, err := wire.Encode(msg)
	if err != nil {
		r.logger.Error("encode frame", "type", t, "error", err)
		return
	}
	for c := range r.clients {
		if c == skip {
			continue
		}
		c.enqueue(data)
	}
}

// decode unmarshals a payload, logging and dropping the frame on failure.
func (r *room) decode(msg wire.Message, v any) bool {
	if err := msg.DecodePayload(v); err != nil {
		r.logger.Warn("dropping malformed frame", "type", msg.Type, "error", err)
		return false
	}
	return true
}
