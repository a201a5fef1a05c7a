// Package events fans apply lifecycle events out to live subscribers.
package events

import (
	"sync"

	"pipelineops/internal/domain/entity"
	"pipelineops/internal/infrastructure/metrics"
)

const subscriberBuffer = 16

type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan entity.ApplyEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan entity.ApplyEvent)}
}

// Subscribe returns a channel of future events and a cancel func that closes
// it. Cancel is safe to call more than once.
func (h *Hub) Subscribe() (<-chan entity.ApplyEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan entity.ApplyEvent, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(ev entity.ApplyEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			metrics.IncError("event_hub", "subscriber_full")
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
