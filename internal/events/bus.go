// Package events is the in-memory pub/sub bus behind the admin event stream.
// Dispatch outcomes and circuit transitions are published here and relayed to
// SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventDispatchSuccess EventType = "dispatch_success"
	EventDispatchError   EventType = "dispatch_error"
	EventRequestBlocked  EventType = "request_blocked"
	EventCircuitChange   EventType = "circuit_change"
)

// Event is a single gateway event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Dispatch fields (populated for dispatch events).
	RequestID  string  `json:"request_id,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
	ProviderID string  `json:"provider_id,omitempty"`
	Model      string  `json:"model,omitempty"`
	StatusCode int     `json:"status_code,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	CostUSD    string  `json:"cost_usd,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	ErrorMsg   string  `json:"error_msg,omitempty"`

	// Circuit fields (populated for circuit_change events).
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
