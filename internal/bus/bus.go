// Package bus is the process-owned notification channel between the sync
// engine and presentation components. Components subscribe to topics and
// reload their own view of the store when told to; the engine never calls
// into presentation code directly.
package bus

import (
	"sync"
)

// Topic names the notification kinds the engine publishes.
type Topic string

const (
	// TopicTokenExpiring fires once per threshold crossing before the access
	// token expires. Payload: MinutesRemaining.
	TopicTokenExpiring Topic = "token-expiring"
	// TopicTokenRefreshed fires after a successful token refresh.
	TopicTokenRefreshed Topic = "token-refreshed"
	// TopicSyncCompleted fires after a sync cycle applied and pushed.
	// Subscribers reload their view of the local store.
	TopicSyncCompleted Topic = "sync-completed"
)

// Event is a published notification.
type Event struct {
	Topic Topic
	// MinutesRemaining is set for TopicTokenExpiring only.
	MinutesRemaining int
}

// Bus is a small fan-out pub/sub. Publish never blocks: a subscriber whose
// buffer is full misses the event (notifications are advisory, the store is
// the source of truth). Safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic]map[int]chan Event
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[Topic]map[int]chan Event)}
}

// Subscribe returns a channel receiving events for topic and a cancel
// function that closes it. Always call cancel when done; an abandoned
// subscription leaks its buffer.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 8)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of its topic without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}
