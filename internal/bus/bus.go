// Package bus implements the in-process event fan-out between the session
// core and the websocket bridge. Events are published to per-user topics
// ("out.<userId>.<kind>"); a bridge subscribes to its user's prefix and is
// never handed another user's traffic.
package bus

import (
	"log"
	"sync"
)

// Topic suffixes published by the core. The full topic is
// UserTopic(userID, suffix).
const (
	TopicSessionCreated    = "session.created"
	TopicSessionTerminated = "session.terminated"
	TopicSessionProgress   = "session.progress"
	TopicSessionReordered  = "session.reordered"
	TopicSessionViewMode   = "session.viewmode"
	TopicCommandOut        = "command.out"
	TopicCopyProgress      = "files.copy.progress"
	TopicFilesChanged      = "files.changed"
)

// UserTopic builds the full topic name for a user-scoped event.
func UserTopic(userID, suffix string) string {
	return "out." + userID + "." + suffix
}

// UserPrefix is the subscription prefix covering every event addressed to
// one user.
func UserPrefix(userID string) string {
	return "out." + userID + "."
}

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	id     uint64
	prefix string
	ch     chan Event
}

// C returns the subscription's event channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Bus fans published events out to prefix subscriptions. Delivery is
// non-blocking: a subscriber that cannot keep up has events dropped rather
// than stalling the session read loops.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers interest in all topics starting with prefix. The
// buffer bounds how many undelivered events are held before drops begin.
func (b *Bus) Subscribe(prefix string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every matching subscription.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !matches(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Printf("[bus] dropping event %s for slow subscriber", topic)
		}
	}
}

func matches(topic, prefix string) bool {
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}
