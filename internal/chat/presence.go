// ABOUTME: Presence tracking from live connection counts with debounced publishing
// ABOUTME: Online on first connection, Offline after the last one closes

package chat

import (
	"sync"
	"time"

	"github.com/lairchat/lair/internal/event"
)

// presenceDebounce coalesces identical presence transitions.
const presenceDebounce = time.Second

// offlineDelay is how long after the last connection closes before Offline is
// published, so quick reconnects do not flap.
const offlineDelay = time.Second

type lastPublish struct {
	presence event.Presence
	at       time.Time
}

// PresenceTracker maintains coarse per-user presence from connection counts.
// Identical transitions within the debounce window are coalesced, and the
// Offline transition is delayed so a reconnect cancels it.
type PresenceTracker struct {
	mu            sync.Mutex
	conns         map[string]int
	last          map[string]lastPublish
	offlineTimers map[string]*time.Timer

	publish func(userID string, p event.Presence)
}

// NewPresenceTracker creates a tracker that reports transitions through publish.
func NewPresenceTracker(publish func(userID string, p event.Presence)) *PresenceTracker {
	return &PresenceTracker{
		conns:         make(map[string]int),
		last:          make(map[string]lastPublish),
		offlineTimers: make(map[string]*time.Timer),
		publish:       publish,
	}
}

// ConnectionOpened records a new live connection for the user. The first
// connection publishes Online.
func (p *PresenceTracker) ConnectionOpened(userID string) {
	p.mu.Lock()
	p.conns[userID]++
	if t, ok := p.offlineTimers[userID]; ok {
		t.Stop()
		delete(p.offlineTimers, userID)
	}
	first := p.conns[userID] == 1
	p.mu.Unlock()

	if first {
		p.set(userID, event.PresenceOnline)
	}
}

// ConnectionClosed records a closed connection. When the last connection
// drops, Offline is published after the reconnect grace delay.
func (p *PresenceTracker) ConnectionClosed(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[userID] == 0 {
		return
	}
	p.conns[userID]--
	if p.conns[userID] > 0 {
		return
	}
	delete(p.conns, userID)

	if t, ok := p.offlineTimers[userID]; ok {
		t.Stop()
	}
	p.offlineTimers[userID] = time.AfterFunc(offlineDelay, func() {
		p.mu.Lock()
		_, reconnected := p.conns[userID]
		delete(p.offlineTimers, userID)
		p.mu.Unlock()
		if !reconnected {
			p.set(userID, event.PresenceOffline)
		}
	})
}

// Set publishes a user-requested presence transition (Online or Away).
func (p *PresenceTracker) Set(userID string, presence event.Presence) {
	p.set(userID, presence)
}

// Online reports whether the user has at least one live connection.
func (p *PresenceTracker) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[userID] > 0
}

// ConnectionCount returns the number of live connections across all users.
func (p *PresenceTracker) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.conns {
		total += n
	}
	return total
}

// set publishes a transition unless the identical presence was already
// published inside the debounce window.
func (p *PresenceTracker) set(userID string, presence event.Presence) {
	p.mu.Lock()
	prev, ok := p.last[userID]
	if ok && prev.presence == presence && time.Since(prev.at) < presenceDebounce {
		p.mu.Unlock()
		return
	}
	p.last[userID] = lastPublish{presence: presence, at: time.Now()}
	p.mu.Unlock()

	p.publish(userID, presence)
}
