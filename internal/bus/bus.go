// Package bus implements the in-process event broker. Publishers never block:
// each subscriber owns a bounded buffer and overflowing subscribers receive a
// single resync_required marker telling them to re-fetch state over HTTP.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultBuffer is the minimum per-subscriber buffer size.
const DefaultBuffer = 64

// Bus is a topic-based in-process publish/subscribe broker.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{} // topic -> subscribers
	buffer  int
	now     func() time.Time
	dropped int64
}

// Subscription is one subscriber's bounded event feed.
// Receive from C; call Close when done.
type Subscription struct {
	C chan Event

	bus      *Bus
	topics   []string
	mu       sync.Mutex
	overflow bool
	closed   bool
}

// New creates a bus with the given per-subscriber buffer size (values below
// DefaultBuffer are raised to it).
func New(buffer int) *Bus {
	if buffer < DefaultBuffer {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber for the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, b.buffer),
		bus:    b,
		topics: topics,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		if b.subs[t] == nil {
			b.subs[t] = make(map[*Subscription]struct{})
		}
		b.subs[t][sub] = struct{}{}
	}
	return sub
}

// Publish delivers ev to every subscriber of topic without blocking. A
// subscriber whose buffer is full misses the event and is flagged for resync.
func (b *Bus) Publish(topic string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[topic] {
		sub.deliver(ev)
	}
}

// deliver attempts a non-blocking send. On overflow the subscription is
// marked; the marker event is delivered as soon as space frees up so the
// client knows its view has gaps.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.overflow {
		// Try to clear the pending resync marker first; events stay dropped
		// until it lands.
		select {
		case s.C <- Event{Kind: KindResyncRequired, Timestamp: ev.Timestamp}:
			s.overflow = false
		default:
			return
		}
	}

	select {
	case s.C <- ev:
	default:
		s.overflow = true
		slog.Debug("bus subscriber overflow", "kind", ev.Kind, "topics", s.topics)
	}
}

// Close removes the subscription from all its topics and closes the channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	for _, t := range s.topics {
		delete(s.bus.subs[t], s)
		if len(s.bus.subs[t]) == 0 {
			delete(s.bus.subs, t)
		}
	}
	s.bus.mu.Unlock()

	close(s.C)
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
