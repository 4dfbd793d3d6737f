// ABOUTME: Tests for the fan-out event dispatcher
// ABOUTME: Covers topic isolation, dynamic topics, overflow drop-oldest, lag flag

package event

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(id, roomID string) Event {
	return Event{ID: id, Type: TypeMessagePosted, At: time.Now(), RoomID: roomID}
}

func receiveOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestDispatcher_SingleSubscriberReceivesEvent(t *testing.T) {
	d := NewDispatcher(nil, 0)
	defer d.Close()

	sub := d.Subscribe(t.Context(), RoomTopic("r1"))
	d.Publish(RoomTopic("r1"), makeEvent("evt-1", "r1"))

	assert.Equal(t, "evt-1", receiveOne(t, sub).ID)
}

func TestDispatcher_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	d := NewDispatcher(nil, 0)
	defer d.Close()

	subs := []*Subscription{
		d.Subscribe(t.Context(), RoomTopic("r1")),
		d.Subscribe(t.Context(), RoomTopic("r1")),
		d.Subscribe(t.Context(), RoomTopic("r1")),
	}
	d.Publish(RoomTopic("r1"), makeEvent("evt-2", "r1"))

	for i, sub := range subs {
		assert.Equal(t, "evt-2", receiveOne(t, sub).ID, "subscriber %d", i)
	}
}

func TestDispatcher_TopicsAreIsolated(t *testing.T) {
	d := NewDispatcher(nil, 0)
	defer d.Close()

	sub1 := d.Subscribe(t.Context(), RoomTopic("r1"))
	sub2 := d.Subscribe(t.Context(), RoomTopic("r2"))

	d.Publish(RoomTopic("r1"), makeEvent("evt-3", "r1"))

	assert.Equal(t, "evt-3", receiveOne(t, sub1).ID)
	select {
	case <-sub2.Events():
		t.Fatal("subscriber for r2 should not receive events for r1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcher_AddRemoveTopic(t *testing.T) {
	d := NewDispatcher(nil, 0)
	defer d.Close()

	sub := d.Subscribe(t.Context(), UserTopic("u1"))

	d.Publish(RoomTopic("r1"), makeEvent("before", "r1"))
	sub.AddTopic(RoomTopic("r1"))
	d.Publish(RoomTopic("r1"), makeEvent("during", "r1"))
	sub.RemoveTopic(RoomTopic("r1"))
	d.Publish(RoomTopic("r1"), makeEvent("after", "r1"))

	assert.Equal(t, "during", receiveOne(t, sub).ID)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %q after RemoveTopic", ev.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcher_OverflowDropsOldestAndFlagsLag(t *testing.T) {
	d := NewDispatcher(nil, 4)
	defer d.Close()

	sub := d.Subscribe(t.Context(), RoomTopic("r1"))

	for i := 0; i < 6; i++ {
		d.Publish(RoomTopic("r1"), makeEvent(fmt.Sprintf("evt-%d", i), "r1"))
	}

	lagging, since := sub.Lagging()
	assert.True(t, lagging)
	assert.False(t, since.IsZero())

	// The oldest events were dropped; the newest survive in order.
	assert.Equal(t, "evt-2", receiveOne(t, sub).ID)
	assert.Equal(t, "evt-3", receiveOne(t, sub).ID)
	assert.Equal(t, "evt-4", receiveOne(t, sub).ID)
	assert.Equal(t, "evt-5", receiveOne(t, sub).ID)
}

func TestDispatcher_LagClearsAfterDrain(t *testing.T) {
	d := NewDispatcher(nil, 2)
	defer d.Close()

	sub := d.Subscribe(t.Context(), RoomTopic("r1"))
	for i := 0; i < 4; i++ {
		d.Publish(RoomTopic("r1"), makeEvent(fmt.Sprintf("evt-%d", i), "r1"))
	}
	lagging, _ := sub.Lagging()
	require.True(t, lagging)

	receiveOne(t, sub)
	receiveOne(t, sub)

	d.Publish(RoomTopic("r1"), makeEvent("fresh", "r1"))
	lagging, _ = sub.Lagging()
	assert.False(t, lagging)
}

func TestDispatcher_ContextCancellationUnsubscribes(t *testing.T) {
	d := NewDispatcher(nil, 0)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := d.Subscribe(ctx, RoomTopic("r1"))
	cancel()

	// The channel closes once the cancellation is observed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed")
		}
	}
}

func TestDispatcher_CloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(nil, 0)
	sub := d.Subscribe(t.Context(), RoomTopic("r1"))

	sub.Close()
	sub.Close()
	d.Close()
}

func TestDispatcher_ConcurrentPublishAndSubscribe(t *testing.T) {
	d := NewDispatcher(nil, 0)
	defer d.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			d.Publish(RoomTopic("r1"), makeEvent(fmt.Sprintf("evt-%d", i), "r1"))
		}
	}()

	for i := 0; i < 10; i++ {
		sub := d.Subscribe(t.Context(), RoomTopic("r1"))
		sub.Close()
	}
	<-done
}
