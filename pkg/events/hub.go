package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Hub is the in-process typed publish-subscribe fan-out. Each subscriber
// owns a bounded mailbox; Publish never blocks — when a mailbox is full
// the oldest queued event for that subscriber is dropped and counted.
//
// The hub's lifecycle matches the process: create once at startup, Close
// on shutdown. No cross-process broadcast; horizontal scale requires an
// external broker in front of several instances.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Subscriber is one registered consumer, bound to a single WebSocket
// connection. Its mailbox preserves publish order; its event-type filter
// can be changed at any time from the connection's read loop.
type Subscriber struct {
	id      string
	mailbox chan Event

	typesMu sync.RWMutex
	types   map[string]bool

	dropped atomic.Int64
	closed  atomic.Bool
}

// ID returns the subscriber's unique identifier (used in logs).
func (s *Subscriber) ID() string { return s.id }

// Events returns the receive side of the subscriber's mailbox. It is
// closed when the subscriber is removed from the hub.
func (s *Subscriber) Events() <-chan Event { return s.mailbox }

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// SetTypes replaces the subscriber's event-type filter.
func (s *Subscriber) SetTypes(types []string) {
	s.typesMu.Lock()
	defer s.typesMu.Unlock()
	s.types = make(map[string]bool, len(types))
	for _, t := range types {
		s.types[t] = true
	}
}

// AddTypes adds event types to the filter.
func (s *Subscriber) AddTypes(types []string) {
	s.typesMu.Lock()
	defer s.typesMu.Unlock()
	for _, t := range types {
		s.types[t] = true
	}
}

// RemoveTypes removes event types from the filter.
func (s *Subscriber) RemoveTypes(types []string) {
	s.typesMu.Lock()
	defer s.typesMu.Unlock()
	for _, t := range types {
		delete(s.types, t)
	}
}

// Types returns a snapshot of the subscribed event types.
func (s *Subscriber) Types() []string {
	s.typesMu.RLock()
	defer s.typesMu.RUnlock()
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	return out
}

func (s *Subscriber) wants(eventType string) bool {
	s.typesMu.RLock()
	defer s.typesMu.RUnlock()
	return s.types[eventType]
}

// Subscribe registers a new subscriber with the given event-type filter
// and mailbox capacity. Returns nil if the hub is closed.
func (h *Hub) Subscribe(types []string, buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscriber{
		id:      uuid.New().String(),
		mailbox: make(chan Event, buffer),
	}
	sub.SetTypes(types)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its mailbox. Idempotent.
// After Unsubscribe returns, no further events are delivered.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil || sub.closed.Swap(true) {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	// Publish delivers while holding the read side of the same lock, so
	// nothing can be mid-send on this mailbox once the entry is gone.
	close(sub.mailbox)
}

// Publish fans an event out to every subscriber whose filter matches.
// Never blocks: a full mailbox drops its oldest event to make room.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		h.deliver(sub, evt)
	}
}

// deliver enqueues evt for one subscriber, dropping from the mailbox head
// on overflow. Called with h.mu read-held so the mailbox cannot be closed
// concurrently.
func (h *Hub) deliver(sub *Subscriber, evt Event) {
	for {
		select {
		case sub.mailbox <- evt:
			return
		default:
		}
		// Mailbox full — drop the oldest queued event and retry. Another
		// reader may race us to the head; the loop handles either outcome.
		select {
		case <-sub.mailbox:
			sub.dropped.Add(1)
			h.dropped.Add(1)
			slog.Debug("Dropped event for slow subscriber",
				"subscriber_id", sub.id, "event_type", evt.Type)
		default:
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats reports hub counters for the health endpoint.
func (h *Hub) Stats() (published, dropped int64, subscribers int) {
	return h.published.Load(), h.dropped.Load(), h.SubscriberCount()
}

// Close removes all subscribers and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		if !sub.closed.Swap(true) {
			close(sub.mailbox)
		}
	}
}
