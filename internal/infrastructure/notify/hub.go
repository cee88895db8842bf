// Package notify fans user-facing notifications out to in-process
// subscribers. Delivery is best-effort: a full subscriber channel drops the
// notification rather than blocking the dispatcher.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/message"
)

// Notification is one user-facing event produced by message processing.
type Notification struct {
	Event      string            `json:"event"`
	ActionType action.Type       `json:"actionType"`
	Direction  message.Direction `json:"direction"`
	MsgID      string            `json:"msgid"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Subscriber receives notifications over a buffered channel.
type Subscriber struct {
	ID string
	C  chan *Notification
}

// Hub manages notification subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]*Subscriber)}
}

// Subscribe registers a subscriber with the given buffer size.
func (h *Hub) Subscribe(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscriber{ID: id, C: make(chan *Notification, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = sub
	return sub
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[id]; ok {
		close(sub.C)
		delete(h.subscribers, id)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish delivers to every subscriber without blocking.
func (h *Hub) Publish(n *Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		select {
		case sub.C <- n:
		default:
		}
	}
}

// Stop closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		close(sub.C)
		delete(h.subscribers, id)
	}
}
