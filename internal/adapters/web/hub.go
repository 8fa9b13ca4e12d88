package web

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/zeami/zwatch/internal/ports"
)

// Hub fans notifications out to stream subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the notification and the drop is
// counted.
type Hub struct {
	buffer int

	mu     sync.Mutex
	subs   map[chan ports.Notification]struct{}
	closed bool

	dropped atomic.Uint64
}

// NewHub creates a hub whose subscribers buffer up to buffer notifications.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, subs: make(map[chan ports.Notification]struct{})}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; the channel is also closed by Close.
func (h *Hub) Subscribe() (<-chan ports.Notification, func()) {
	ch := make(chan ports.Notification, h.buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers n to every subscriber with room for it.
func (h *Hub) Publish(n ports.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.dropped.Inc()
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close closes every subscriber channel. Later subscribers get a closed
// channel. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
