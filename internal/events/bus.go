// Package events provides an in-memory pub/sub bus for budget and alert
// events. Delivery is best-effort: slow subscribers drop events rather than
// blocking the publisher, which sits on the request path.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	// EventBudgetDegraded fires when a user's budget transitions premium -> degraded.
	EventBudgetDegraded EventType = "budget_degraded"
	// EventBudgetBlocked fires when a user's budget transitions degraded -> blocked.
	EventBudgetBlocked EventType = "budget_blocked"
	// EventBudgetUnblocked fires on the upgrade path (blocked/degraded -> premium).
	EventBudgetUnblocked EventType = "budget_unblocked"
	// EventApproachingLimit fires from the hourly sweep at >= 80% spend.
	EventApproachingLimit EventType = "approaching_limit"
	// EventProviderCircuitOpen fires when a provider circuit trips open.
	EventProviderCircuitOpen EventType = "provider_circuit_open"
)

// Event is a single governance event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Budget fields.
	UID       string  `json:"uid,omitempty"`
	Period    string  `json:"period,omitempty"`
	Tier      string  `json:"tier,omitempty"`
	OldStatus string  `json:"old_status,omitempty"`
	NewStatus string  `json:"new_status,omitempty"`
	SpentUSD  float64 `json:"spent_usd,omitempty"`

	// Provider fields.
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
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
	if _, ok := b.subscribers[s]; ok {
		delete(b.subscribers, s)
		close(s.done)
		close(s.C)
	}
	b.mu.Unlock()
}

// Publish delivers an event to all subscribers. If a subscriber's buffer is
// full the event is dropped for that subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		case <-s.done:
		default:
			// Buffer full; drop.
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
