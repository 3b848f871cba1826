// Package events is a small in-process pub/sub hub for lifecycle events:
// dispatch completions, plugin loads, quarantines.
package events

import (
	"sync"
	"time"
)

// Event is one published occurrence.
type Event struct {
	// Type is a dotted name such as "dispatch.completed" or "plugin.quarantined".
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Types published by the service.
const (
	TypeDispatchCompleted  = "dispatch.completed"
	TypeDispatchRejected   = "dispatch.rejected"
	TypePluginLoaded       = "plugin.loaded"
	TypePluginQuarantined  = "plugin.quarantined"
	TypePluginDeregistered = "plugin.deregistered"
)

const historySize = 256

// Hub fans events out to subscribers and keeps a bounded history ring.
// Publish never blocks; a subscriber that falls behind misses events.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	history []Event
	head    int
	filled  bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[int]chan Event),
		history: make([]Event, historySize),
	}
}

// Publish delivers an event to all current subscribers.
func (h *Hub) Publish(evtType string, fields map[string]any) {
	evt := Event{Type: evtType, Timestamp: time.Now().UTC(), Fields: fields}

	h.mu.Lock()
	h.history[h.head] = evt
	h.head = (h.head + 1) % historySize
	if h.head == 0 {
		h.filled = true
	}
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed on cancel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns the buffered history, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.filled {
		out := make([]Event, h.head)
		copy(out, h.history[:h.head])
		return out
	}
	out := make([]Event, 0, historySize)
	out = append(out, h.history[h.head:]...)
	out = append(out, h.history[:h.head]...)
	return out
}
