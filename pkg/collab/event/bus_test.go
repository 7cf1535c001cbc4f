package event_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/collabgraph/pkg/collab/event"
)

func TestBusDeliversToMatchingTypes(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 10})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.Subscribe([]event.Type{event.TypeLockChanged}, func(evt event.Event) {
		received.Add(1)
	})
	defer sub.Unsubscribe()

	bus.Publish(event.New(event.TypeLockChanged, event.LockChange{NodeID: "n1"}))
	bus.Publish(event.New(event.TypeCursorUpdated, event.PresenceUpdate{UserID: "u1"}))

	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("expected 1 received event, got %d", received.Load())
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 10})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.SubscribeAll(func(evt event.Event) {
		received.Add(1)
	})
	defer sub.Unsubscribe()

	bus.Publish(event.New(event.TypeParticipantJoined, nil))
	bus.Publish(event.New(event.TypeParticipantLeft, nil))
	bus.Publish(event.New(event.TypeStatusChanged, nil))

	time.Sleep(50 * time.Millisecond)

	if received.Load() != 3 {
		t.Errorf("expected 3 received events, got %d", received.Load())
	}
}

func TestBusPauseResume(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 10})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.Subscribe([]event.Type{event.TypeSyncRequired}, func(evt event.Event) {
		received.Add(1)
	})
	defer sub.Unsubscribe()

	bus.Publish(event.New(event.TypeSyncRequired, nil))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("expected 1 event, got %d", received.Load())
	}

	sub.Pause()
	if !sub.IsPaused() {
		t.Error("expected subscription to be paused")
	}

	bus.Publish(event.New(event.TypeSyncRequired, nil))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("expected still 1 event while paused, got %d", received.Load())
	}

	sub.Resume()
	if sub.IsPaused() {
		t.Error("expected subscription to be resumed")
	}
}

func TestBusPublishAfterCloseIsNoop(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var received atomic.Int32
	bus.SubscribeAll(func(evt event.Event) {
		received.Add(1)
	})

	bus.Close()
	bus.Publish(event.New(event.TypeError, nil))

	time.Sleep(20 * time.Millisecond)
	if received.Load() != 0 {
		t.Errorf("expected no delivery after close, got %d", received.Load())
	}

	if sub := bus.SubscribeAll(func(event.Event) {}); sub != nil {
		t.Error("expected nil subscription on closed bus")
	}
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	var dropped atomic.Int32
	bus := event.NewBus(event.BusConfig{
		BufferSize: 1,
		OnDrop: func(evt event.Event, subscriberID string) {
			dropped.Add(1)
		},
	})
	defer bus.Close()

	block := make(chan struct{})
	sub := bus.Subscribe([]event.Type{event.TypeCursorUpdated}, func(evt event.Event) {
		<-block
	})
	defer sub.Unsubscribe()

	// First event occupies the handler, second fills the buffer, the
	// rest must drop rather than block the publisher.
	for i := 0; i < 5; i++ {
		bus.Publish(event.New(event.TypeCursorUpdated, nil))
	}
	close(block)

	time.Sleep(50 * time.Millisecond)
	if dropped.Load() == 0 {
		t.Error("expected drops with a full buffer")
	}
}
