package events

import (
	"fmt"
	"sync"

	"controlroom/internal/domain"
)

// Bus fans committed events out to in-process subscribers. It is a local
// channel-based approach; durable consumers read the store with a cursor
// instead, so a dropped delivery here never loses data.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan domain.Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Subscribe registers a buffered subscriber. The returned cancel func must
// be called to release it.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking. A full
// subscriber drops the delivery; the store remains the source of truth.
func (b *Bus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			LogGap(e.Type, e.CorrelationID, fmt.Errorf("subscriber %d buffer full, dropped seq=%d", id, e.Seq))
		}
	}
}
