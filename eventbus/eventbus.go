// Package eventbus fans session progress events out to live subscribers.
package eventbus

import (
	"sync"

	"github.com/jxucoder/docfix/model"
)

// Bus is a per-session publish/subscribe channel for progress events.
type Bus interface {
	Subscribe(sessionID string) chan *model.Event
	Unsubscribe(sessionID string, ch chan *model.Event)
	Publish(sessionID string, event *model.Event)
}

// InMemoryBus is a Bus that lives in process memory.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.Event
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *model.Event),
	}
}

// Subscribe creates a channel that receives events for a session.
func (b *InMemoryBus) Subscribe(sessionID string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, 64)
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *InMemoryBus) Unsubscribe(sessionID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sessionID]
	for i, s := range subs {
		if s == ch {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(b.subs, sessionID)
			} else {
				b.subs[sessionID] = subs
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to every subscriber of the session. Slow
// subscribers miss events rather than block the publisher.
func (b *InMemoryBus) Publish(sessionID string, event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers for a session.
func (b *InMemoryBus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
