// ABOUTME: Tests for the debounced presence tracker
// ABOUTME: Two quick connections publish one Online; Offline waits out the grace delay

package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lairchat/lair/internal/event"
)

type presenceRecorder struct {
	mu    sync.Mutex
	calls []event.Presence
}

func (r *presenceRecorder) publish(_ string, p event.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p)
}

func (r *presenceRecorder) snapshot() []event.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Presence(nil), r.calls...)
}

func TestPresence_TwoQuickConnectionsPublishOneOnline(t *testing.T) {
	rec := &presenceRecorder{}
	tracker := NewPresenceTracker(rec.publish)

	tracker.ConnectionOpened("alice")
	time.Sleep(200 * time.Millisecond)
	tracker.ConnectionOpened("alice")

	assert.Equal(t, []event.Presence{event.PresenceOnline}, rec.snapshot())
	assert.True(t, tracker.Online("alice"))
	assert.Equal(t, 2, tracker.ConnectionCount())
}

func TestPresence_ClosingOneOfTwoKeepsOnline(t *testing.T) {
	rec := &presenceRecorder{}
	tracker := NewPresenceTracker(rec.publish)

	tracker.ConnectionOpened("alice")
	tracker.ConnectionOpened("alice")
	tracker.ConnectionClosed("alice")

	time.Sleep(offlineDelay + 500*time.Millisecond)
	assert.Equal(t, []event.Presence{event.PresenceOnline}, rec.snapshot())
	assert.True(t, tracker.Online("alice"))
}

func TestPresence_LastCloseEmitsOfflineAfterDelay(t *testing.T) {
	rec := &presenceRecorder{}
	tracker := NewPresenceTracker(rec.publish)

	tracker.ConnectionOpened("alice")
	tracker.ConnectionClosed("alice")

	// Not yet: the grace delay is still running.
	assert.Equal(t, []event.Presence{event.PresenceOnline}, rec.snapshot())

	require.Eventually(t, func() bool {
		calls := rec.snapshot()
		return len(calls) == 2 && calls[1] == event.PresenceOffline
	}, 3*time.Second, 50*time.Millisecond)
	assert.False(t, tracker.Online("alice"))
}

func TestPresence_ReconnectCancelsOffline(t *testing.T) {
	rec := &presenceRecorder{}
	tracker := NewPresenceTracker(rec.publish)

	tracker.ConnectionOpened("alice")
	tracker.ConnectionClosed("alice")
	tracker.ConnectionOpened("alice") // before the delay fires

	time.Sleep(offlineDelay + 500*time.Millisecond)
	for _, p := range rec.snapshot() {
		assert.NotEqual(t, event.PresenceOffline, p)
	}
	assert.True(t, tracker.Online("alice"))
}

func TestPresence_ManualAway(t *testing.T) {
	rec := &presenceRecorder{}
	tracker := NewPresenceTracker(rec.publish)

	tracker.ConnectionOpened("alice")
	tracker.Set("alice", event.PresenceAway)

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, event.PresenceAway, calls[1])
}

func TestPresence_IdenticalTransitionsCoalesced(t *testing.T) {
	rec := &presenceRecorder{}
	tracker := NewPresenceTracker(rec.publish)

	tracker.Set("alice", event.PresenceAway)
	tracker.Set("alice", event.PresenceAway)
	tracker.Set("alice", event.PresenceAway)

	assert.Len(t, rec.snapshot(), 1)
}
