package chat

import (
	"log/slog"
	"sync"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

const subscriberBuffer = 16

// Broker fans change events out to subscribers. Slow subscribers miss events
// rather than block publishers.
type Broker struct {
	mu   sync.Mutex
	next int
	subs map[int]chan chat.ChangeEvent
}

// NewBroker returns a broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan chat.ChangeEvent)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and closes
// the channel.
func (b *Broker) Subscribe() (<-chan chat.ChangeEvent, func()) {
	ch := make(chan chat.ChangeEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber.
func (b *Broker) Publish(ev chat.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping change event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
