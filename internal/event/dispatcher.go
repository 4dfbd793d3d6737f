// ABOUTME: In-memory fan-out event dispatcher for cross-adapter awareness
// ABOUTME: Bounded per-subscriber queues that drop oldest events and flag lag

package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultQueueSize is the channel buffer for each subscriber.
const defaultQueueSize = 256

// Dispatcher provides in-memory pub/sub for domain events. Subscribers
// register for topic keys (room:<id>, user:<id>, broadcast) and receive events
// as they are published. Publishing never blocks: when a subscriber's queue is
// full the oldest queued event is dropped and the subscription is flagged as
// lagging. Adapters decide what lag means; the TCP adapter promotes sustained
// lag to a connection close.
type Dispatcher struct {
	mu        sync.RWMutex
	topics    map[string]map[string]*Subscription // topic -> subID -> sub
	queueSize int
	logger    *slog.Logger
}

// Subscription is one subscriber's handle. A subscription may span multiple
// topics and topics can be added or removed as the subscriber's interest
// changes (joining or leaving rooms).
type Subscription struct {
	id string
	ch chan Event
	d  *Dispatcher

	mu           sync.Mutex
	topics       map[string]struct{}
	closed       bool
	lagging      bool
	laggingSince time.Time
}

// NewDispatcher creates a dispatcher. Pass nil logger for default, 0 queueSize
// for the default of 256.
func NewDispatcher(logger *slog.Logger, queueSize int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		topics:    make(map[string]map[string]*Subscription),
		queueSize: queueSize,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Subscribe registers a subscriber for the given topics. The subscription is
// automatically closed when ctx is cancelled.
func (d *Dispatcher) Subscribe(ctx context.Context, topics ...string) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		ch:     make(chan Event, d.queueSize),
		d:      d,
		topics: make(map[string]struct{}, len(topics)),
	}

	d.mu.Lock()
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
		d.attach(topic, sub)
	}
	d.mu.Unlock()

	d.logger.Debug("subscriber added", "sub_id", sub.id, "topics", len(topics))

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	return sub
}

// attach adds sub to a topic's subscriber map. Caller holds d.mu.
func (d *Dispatcher) attach(topic string, sub *Subscription) {
	if _, ok := d.topics[topic]; !ok {
		d.topics[topic] = make(map[string]*Subscription)
	}
	d.topics[topic][sub.id] = sub
}

// detach removes sub from a topic's subscriber map. Caller holds d.mu.
func (d *Dispatcher) detach(topic string, sub *Subscription) {
	subs, ok := d.topics[topic]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(d.topics, topic)
	}
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: a full subscriber queue drops its oldest event to make room
// and the subscription is marked lagging.
func (d *Dispatcher) Publish(topic string, ev Event) {
	d.mu.RLock()
	subs, ok := d.topics[topic]
	if !ok || len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	// Copy subscriber handles under read lock to avoid holding it during sends
	targets := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev, d.logger, topic)
	}
}

// Close shuts down the dispatcher and closes all subscriptions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	var all []*Subscription
	seen := make(map[string]struct{})
	for _, subs := range d.topics {
		for id, sub := range subs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			all = append(all, sub)
		}
	}
	d.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	d.logger.Debug("dispatcher closed")
}

// Events returns the receive channel. Closed when the subscription closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// AddTopic starts delivering the topic's events to this subscription.
func (s *Subscription) AddTopic(topic string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()

	s.d.mu.Lock()
	s.d.attach(topic, s)
	s.d.mu.Unlock()
}

// RemoveTopic stops delivering the topic's events to this subscription.
func (s *Subscription) RemoveTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()

	s.d.mu.Lock()
	s.d.detach(topic, s)
	s.d.mu.Unlock()
}

// Close detaches the subscription from all topics and closes its channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	s.d.mu.Lock()
	for _, t := range topics {
		s.d.detach(t, s)
	}
	s.d.mu.Unlock()

	close(s.ch)
	s.d.logger.Debug("subscriber removed", "sub_id", s.id)
}

// Lagging reports whether the subscription has dropped events and, if so,
// since when the queue has been saturated.
func (s *Subscription) Lagging() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging, s.laggingSince
}

// deliver enqueues the event, dropping the oldest queued event on overflow.
func (s *Subscription) deliver(ev Event, logger *slog.Logger, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		s.lagging = false
		return
	default:
	}

	// Queue full: drop the oldest event to make room for the newest.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}

	if !s.lagging {
		s.lagging = true
		s.laggingSince = time.Now()
	}
	logger.Debug("dropped event for slow subscriber",
		"sub_id", s.id,
		"topic", topic,
		"event_id", ev.ID)
}
