// Package events provides the in-process event bus that pipeline components
// emit operational events on: threshold violations, memory pressure, circuit
// state changes, and security events. Subscribers receive events over
// buffered channels; a full channel drops rather than blocks an emitter.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies internal events.
type Type string

const (
	TypeViolation      Type = "perf.violation"
	TypeMemoryPressure Type = "memory.pressure"
	TypeStateChange    Type = "circuit.state_change"
	TypeSecurity       Type = "security.event"
)

// Event is one operational event. Data is event-specific and kept as a flat
// key/value bag so it serializes cleanly onto the bus status streams.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Data          map[string]interface{} `json:"data"`
	Time          time.Time              `json:"time"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub bus. Components emit; the dispatcher, health
// aggregator, and the websocket feed subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan *Event
	allSubs     []chan *Event
	bufferSize  int
	closed      bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types.
// Pass no types to receive all events.
func (b *Bus) Subscribe(types ...Type) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[t] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Emit creates and publishes an event. Never blocks.
func (b *Bus) Emit(t Type, source, correlationID string, data map[string]interface{}) {
	b.Publish(&Event{
		ID:            uuid.New().String(),
		Type:          t,
		Source:        source,
		CorrelationID: correlationID,
		Data:          data,
		Time:          time.Now(),
	})
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber lagging; drop.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close marks the bus closed. Channels held by subscribers stay open so
// in-flight readers drain naturally; Emit becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// SubscriberCount returns the number of active subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// Recorder is a test helper that captures every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder subscribes a recorder to the bus for the given types.
func NewRecorder(b *Bus, types ...Type) *Recorder {
	r := &Recorder{}
	ch := b.Subscribe(types...)
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// CountByType returns how many recorded events match the type.
func (r *Recorder) CountByType(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
