// Package hub implements the server side of the collaboration
// protocol: a WebSocket endpoint that groups connections into
// per-workflow rooms, arbitrates node locks, relays presence, and
// journals workflow changes.
package hub

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/collabgraph/pkg/collab/journal"
)

// DefaultLockTTL is how long a granted node lock lives without being
// re-acquired before the room reclaims it. It covers clients that
// vanish without releasing.
const DefaultLockTTL = 30 * time.Second

// Options configures a Hub.
type Options struct {
	// Journal stores workflow change history. Default: in-memory.
	Journal journal.Store

	// LockTTL is the lease length for granted node locks. Default: 30s.
	LockTTL time.Duration

	// Logger receives hub lifecycle logs. Nil disables logging.
	Logger *slog.Logger

	// CheckOrigin overrides the WebSocket origin check. Default:
	// accept all origins, which suits same-process tests and trusted
	// deployments behind a gateway.
	CheckOrigin func(r *http.Request) bool
}

func (o *Options) setDefaults() {
	if o.Journal == nil {
		o.Journal = journal.NewMemoryStore()
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Hub routes WebSocket connections into per-workflow rooms. It
// implements http.Handler; mount it on the collaboration endpoint and
// connect clients with a workflow_id query parameter.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// New creates a Hub.
func New(opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		rooms: make(map[string]*room),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and
// attaches it to the workflow's room.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		http.Error(w, "workflow_id query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.opts.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	for {
		rm, err := h.room(workflowID)
		if err != nil {
			conn.Close()
			return
		}
		c := newClient(rm, conn)
		select {
		case rm.register <- c:
			go c.writeLoop()
			go c.readLoop()
			return
		case <-rm.done:
			// The room emptied out between lookup and attach; a fresh
			// one replaces it on the next lookup.
		}
	}
}

// room returns the workflow's room, creating and starting it on first use.
func (h *Hub) room(workflowID string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("hub closed")
	}
	rm, ok := h.rooms[workflowID]
	if !ok {
		rm = newRoom(h, workflowID)
		h.rooms[workflowID] = rm
		go rm.run()
	}
	return rm, nil
}

// removeRoom drops an empty room. Called by the room itself when its
// last client leaves.
func (h *Hub) removeRoom(workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, workflowID)
}

// Close stops all rooms and closes the journal. In-flight connections
// are dropped.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, rm := range rooms {
		rm.stop()
	}
	return h.opts.Journal.Close()
}
