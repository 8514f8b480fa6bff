// Package push relays events to connected browsers over SSE or WebSocket.
package push

import (
	"encoding/json"
	"sync"
)

const (
	EventNotification = "notification"
	EventDocument     = "document"
	EventSync         = "sync"
)

type Event struct {
	Type   string `json:"type"`
	Count  int    `json:"count,omitempty"`
	Folder string `json:"folder,omitempty"`
}

// Hub fans events out to subscribers keyed by user id. Sends never block:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, 8)
	h.mu.Lock()
	if _, ok := h.subs[userID]; !ok {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[userID]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, userID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(userIDs []string, event Event) {
	if len(userIDs) == 0 {
		return
	}
	unique := map[string]struct{}{}
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		unique[id] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range unique {
		for ch := range h.subs[id] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (h *Hub) PublishAll(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subscribers := range h.subs {
		for ch := range subscribers {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Notify tells every connected client how many new changes were applied.
func (h *Hub) Notify(count int) {
	h.PublishAll(Event{Type: EventNotification, Count: count})
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subscribers := range h.subs {
		n += len(subscribers)
	}
	return n
}

func encode(event Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
