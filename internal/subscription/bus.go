// Package subscription implements C8: the push channel that streams
// transfer-state deltas to connected observers. Modeled on the teacher's
// core/network.go Node.Subscribe, which spawns one forwarding goroutine per
// topic subscription and hands the caller a read-only channel; this module
// hands each subscriber a read-only buffered channel too, but starts no
// goroutine (Publish writes to the channels directly), runs in-process (no
// pubsub transport) and is lossy-on-slow-consumer instead of blocking.
package subscription

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// EventType names one of the events published onto the bus.
type EventType string

const (
	TransferCreated   EventType = "transfer:created"
	TransferStatus    EventType = "transfer:status"
	TransferDelivered EventType = "transfer:delivered"
	TransferSigned    EventType = "transfer:signed"
	TransferCompleted EventType = "transfer:completed"
	TransferFailed    EventType = "transfer:failed"
	TransportError    EventType = "transport:error"
	// Lag is synthesized by the bus itself, never published by a caller,
	// when a subscriber's buffer overflows and events were dropped.
	Lag EventType = "lag"
)

// Event is one item delivered to subscribers.
type Event struct {
	Type       EventType
	TransferID string
	Payload    any
}

const bufferSize = 32

type subscriber struct {
	id         string
	transferID string // empty means the global firehose
	ch         chan Event
	dropped    atomic.Int64
}

// Bus fans out published events to per-subscriber bounded channels. A slow
// consumer never blocks the publisher: on overflow the two oldest buffered
// events are dropped, then a synthesized Lag event and the new event are
// queued.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers an observer. An empty transferID subscribes to the
// global firehose (every event); a non-empty transferID limits delivery to
// events for that transfer. The returned channel is closed by Unsubscribe.
func (b *Bus) Subscribe(transferID string) (id string, ch <-chan Event) {
	sub := &subscriber{id: uuid.NewString(), transferID: transferID, ch: make(chan Event, bufferSize)}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id, sub.ch
}

// Unsubscribe deregisters an observer and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber, non-blocking. Subscriptions
// have no persistence guarantees; a subscriber that is not actively draining
// its channel will see drops and Lag markers, never a blocked publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.transferID != "" && sub.transferID != ev.TransferID {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	// Buffer full: drop the two oldest queued events to make room for both
	// a Lag marker and the new event, so the consumer learns it missed
	// something before it sees anything newer.
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
	}
	select {
	case sub.ch <- Event{Type: Lag, TransferID: ev.TransferID}:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		// Still full (concurrent publishers); give up on this one event
		// rather than block.
		sub.dropped.Add(1)
	}
}

// Dropped reports how many events a subscriber has lost to overflow, for
// diagnostics.
func (b *Bus) Dropped(id string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Count reports the number of active subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
