package hub_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/collabgraph/pkg/collab/event"
	"github.com/randalmurphal/collabgraph/pkg/collab/hub"
	"github.com/randalmurphal/collabgraph/pkg/collab/journal"
	"github.com/randalmurphal/collabgraph/pkg/collab/session"
	"github.com/randalmurphal/collabgraph/pkg/collab/transport"
	"github.com/randalmurphal/collabgraph/pkg/collab/wire"
)

// testServer wires a Hub into an httptest server and hands out
// connected sessions against it.
type testServer struct {
	t       *testing.T
	hub     *hub.Hub
	srv     *httptest.Server
	journal journal.Store
}

func newTestServer(t *testing.T, opts hub.Options) *testServer {
	t.Helper()
	if opts.Journal == nil {
		opts.Journal = journal.NewMemoryStore()
	}
	h := hub.New(opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return &testServer{t: t, hub: h, srv: srv, journal: opts.Journal}
}

func (ts *testServer) wsURL(workflowID string) string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/?workflow_id=" + workflowID
}

// connect starts a session for the given user on a workflow.
func (ts *testServer) connect(workflowID, userID, userName string) *session.Session {
	ts.t.Helper()

	tr, err := transport.NewClient(transport.Options{
		URL:               ts.wsURL(workflowID),
		ConnectTimeout:    5 * time.Second,
		HeartbeatInterval: -1, // keep test traffic deterministic
	})
	require.NoError(ts.t, err)

	s, err := session.New(tr, session.Options{
		WorkflowID:  workflowID,
		UserID:      userID,
		UserName:    userName,
		LockTimeout: 5 * time.Second,
	})
	require.NoError(ts.t, err)
	require.NoError(ts.t, s.Start(context.Background()))
	ts.t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func TestSessionsSeeEachOther(t *testing.T) {
	ts := newTestServer(t, hub.Options{})

	alice := ts.connect("wf-1", "alice", "Alice")
	bob := ts.connect("wf-1", "bob", "Bob")

	waitFor(t, func() bool { return len(alice.Participants()) == 1 }, "alice sees bob")
	waitFor(t, func() bool { return len(bob.Participants()) == 1 }, "bob sees alice")

	assert.Equal(t, "bob", alice.Participants()[0].UserID)
	assert.Equal(t, "alice", bob.Participants()[0].UserID)
}

func TestWorkflowsAreIsolated(t *testing.T) {
	ts := newTestServer(t, hub.Options{})

	alice := ts.connect("wf-1", "alice", "Alice")
	bob := ts.connect("wf-2", "bob", "Bob")

	// Give the relays a moment; neither should ever see the other.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, alice.Participants())
	assert.Empty(t, bob.Participants())
}

func TestCursorRelay(t *testing.T) {
	ts := newTestServer(t, hub.Options{})

	alice := ts.connect("wf-1", "alice", "Alice")
	bob := ts.connect("wf-1", "bob", "Bob")
	waitFor(t, func() bool { return len(bob.Participants()) == 1 }, "bob sees alice")

	alice.UpdateCursor(wire.Point{X: 42, Y: 7})

	waitFor(t, func() bool {
		pos, ok := bob.Cursors()["alice"]
		return ok && pos.X == 42 && pos.Y == 7
	}, "bob sees alice's cursor")

	// The sender's own cursor is never echoed back.
	assert.NotContains(t, alice.Cursors(), "alice")
}

func TestLockContention(t *testing.T) {
	ts := newTestServer(t, hub.Options{})

	alice := ts.connect("wf-1", "alice", "Alice")
	bob := ts.connect("wf-1", "bob", "Bob")
	waitFor(t, func() bool { return len(bob.Participants()) == 1 }, "bob sees alice")

	granted, err := alice.LockNode(context.Background(), "n1")
	require.NoError(t, err)
	require.True(t, granted, "first request wins the lock")

	waitFor(t, func() bool { return bob.IsNodeLocked("n1") }, "bob learns of alice's lock")
	assert.False(t, bob.CanEdit("n1"))
	assert.True(t, alice.CanEdit("n1"))

	granted, err = bob.LockNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.False(t, granted, "contended request is denied")

	// Re-acquiring one's own lock succeeds (lease renewal).
	granted, err = alice.LockNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.True(t, granted)

	require.NoError(t, alice.UnlockNode("n1"))
	waitFor(t, func() bool { return !bob.IsNodeLocked("n1") }, "release reaches bob")
	waitFor(t, func() bool { return !alice.IsNodeLocked("n1") }, "release reaches alice")
}

func TestLockExpiresWithTTL(t *testing.T) {
	ts := newTestServer(t, hub.Options{LockTTL: 50 * time.Millisecond})

	alice := ts.connect("wf-1", "alice", "Alice")
	bob := ts.connect("wf-1", "bob", "Bob")
	waitFor(t, func() bool { return len(bob.Participants()) == 1 }, "bob sees alice")

	granted, err := alice.LockNode(context.Background(), "n1")
	require.NoError(t, err)
	require.True(t, granted)

	// After the lease lapses, a contender wins without any release.
	waitFor(t, func() bool {
		granted, err := bob.LockNode(context.Background(), "n1")
		return err == nil && granted
	}, "expired lock becomes acquirable")
}

func TestChangeJournaledAndBroadcast(t *testing.T) {
	store := journal.NewMemoryStore()
	ts := newTestServer(t, hub.Options{Journal: store})

	alice := ts.connect("wf-1", "alice", "Alice")
	bob := ts.connect("wf-1", "bob", "Bob")
	waitFor(t, func() bool { return len(bob.Participants()) == 1 }, "bob sees alice")

	var mu sync.Mutex
	var bobSaw []event.ChangeApplied
	sub := bob.Events().Subscribe([]event.Type{event.TypeChangeApplied}, func(evt event.Event) {
		mu.Lock()
		bobSaw = append(bobSaw, evt.Payload.(event.ChangeApplied))
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	change, err := wire.NewChange(wire.ChangeNodeAdded, "wf-1", "alice", map[string]string{"node_id": "n1"})
	require.NoError(t, err)
	require.NoError(t, alice.BroadcastChange(change))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bobSaw) == 1
	}, "bob receives the applied change")

	mu.Lock()
	assert.Equal(t, change.ID, bobSaw[0].Change.ID)
	assert.Equal(t, int64(1), bobSaw[0].Version)
	mu.Unlock()

	latest, err := store.Latest("wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestCloseReleasesLocksAndAnnouncesDeparture(t *testing.T) {
	ts := newTestServer(t, hub.Options{})

	alice := ts.connect("wf-1", "alice", "Alice")
	bob := ts.connect("wf-1", "bob", "Bob")
	waitFor(t, func() bool { return len(bob.Participants()) == 1 }, "bob sees alice")

	granted, err := alice.LockNode(context.Background(), "n1")
	require.NoError(t, err)
	require.True(t, granted)
	waitFor(t, func() bool { return bob.IsNodeLocked("n1") }, "bob learns of the lock")

	alice.Close()

	waitFor(t, func() bool { return len(bob.Participants()) == 0 }, "departure reaches bob")
	waitFor(t, func() bool { return !bob.IsNodeLocked("n1") }, "departed user's locks release")
}

func TestLateJoinerGetsSnapshot(t *testing.T) {
	ts := newTestServer(t, hub.Options{})

	alice := ts.connect("wf-1", "alice", "Alice")
	granted, err := alice.LockNode(context.Background(), "n1")
	require.NoError(t, err)
	require.True(t, granted)

	bob := ts.connect("wf-1", "bob", "Bob")

	// The welcome snapshot carries both presence and the lock table.
	waitFor(t, func() bool { return len(bob.Participants()) == 1 }, "snapshot includes alice")
	waitFor(t, func() bool { return bob.IsNodeLocked("n1") }, "snapshot includes the lock")
	owner, ok := bob.NodeLockOwner("n1")
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
}

func TestMissingWorkflowIDIsRejected(t *testing.T) {
	ts := newTestServer(t, hub.Options{})

	resp, err := ts.srv.Client().Get(ts.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
