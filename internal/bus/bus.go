// Package bus fans negotiation, queue and decision events out to in-process
// listeners: the notifier, the websocket stream and tests.
package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Match reports whether a subscriber wants an event. It runs on the
// publisher's goroutine and must not block.
type Match func(Event) bool

// TopicPrefix matches events whose topic starts with prefix. The empty
// prefix matches everything.
func TopicPrefix(prefix string) Match {
	if prefix == "" {
		return nil
	}
	return func(ev Event) bool { return strings.HasPrefix(ev.Topic, prefix) }
}

// Subscription is one listener's view of the bus.
type Subscription struct {
	id      uint64
	name    string
	match   Match
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Name is the label given at subscribe time.
func (s *Subscription) Name() string { return s.name }

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// SubscriberStat describes one live subscription for /metrics.
type SubscriberStat struct {
	Name    string `json:"name"`
	Backlog int    `json:"backlog"`
	Dropped int64  `json:"dropped"`
}

// Bus is an in-process pub/sub bus. Publish never blocks: a subscriber whose
// buffer is full misses the event and its drop counter goes up.
type Bus struct {
	now func() time.Time

	mu     sync.RWMutex
	subs   []*Subscription // ordered by id
	nextID uint64

	dropped atomic.Int64
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{now: time.Now}
}

// SetClock replaces the clock used to stamp events.
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Subscribe creates a subscription for events whose topic starts with
// topicPrefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	name := topicPrefix
	if name == "" {
		name = "*"
	}
	return b.SubscribeFunc(name, TopicPrefix(topicPrefix))
}

// SubscribeFunc creates a named subscription filtered by match. A nil match
// receives every event. Filtering here keeps unrelated traffic out of the
// subscriber's buffer.
func (b *Bus) SubscribeFunc(name string, match Match) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		name:  name,
		match: match,
		ch:    make(chan Event, defaultBufferSize),
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel. It is safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subs, func(s *Subscription) bool { return s.id == sub.id })
	if i < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	close(sub.ch)
}

// Publish stamps the event and offers it to every matching subscriber in
// subscription order.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload, At: b.now().UTC()}
	for _, sub := range b.subs {
		if sub.match != nil && !sub.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscribers snapshots the live subscriptions.
func (b *Bus) Subscribers() []SubscriberStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SubscriberStat, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, SubscriberStat{Name: sub.name, Backlog: len(sub.ch), Dropped: sub.dropped.Load()})
	}
	return out
}

// Dropped returns the total deliveries skipped across all subscribers,
// including ones that have since unsubscribed.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
