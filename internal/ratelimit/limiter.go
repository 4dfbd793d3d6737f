// ABOUTME: Keyed token-bucket rate limiting with TTL pruning of idle keys
// ABOUTME: Keys combine a route class with a principal id or remote IP

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry wraps a limiter with a timestamp for TTL pruning
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed manages independent token buckets per key with background cleanup of
// idle keys. One Keyed instance covers one concern (login, register, post).
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int

	idleTTL time.Duration
	stop    chan struct{}
	stopped sync.Once
}

// New creates a keyed limiter allowing eventsPerMinute with the given burst.
// A background goroutine prunes keys idle for more than three minutes.
func New(eventsPerMinute float64, burst int) *Keyed {
	k := &Keyed{
		entries: make(map[string]*entry),
		limit:   rate.Limit(eventsPerMinute / 60.0),
		burst:   burst,
		idleTTL: 3 * time.Minute,
		stop:    make(chan struct{}),
	}
	go k.prune()
	return k
}

// Allow reports whether one event for the key may proceed now.
func (k *Keyed) Allow(key string) bool {
	return k.get(key).Allow()
}

// get returns (or creates) the limiter for a key and refreshes its TTL.
func (k *Keyed) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// prune periodically removes keys that have been idle longer than the TTL.
func (k *Keyed) prune() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
		}

		k.mu.Lock()
		for key, e := range k.entries {
			if time.Since(e.lastSeen) > k.idleTTL {
				delete(k.entries, key)
			}
		}
		k.mu.Unlock()
	}
}

// Close stops the pruning goroutine.
func (k *Keyed) Close() {
	k.stopped.Do(func() { close(k.stop) })
}
