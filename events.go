package papyra

import (
	"context"
	"fmt"
	"sync"
)

// EventKind discriminates the lifecycle events emitted by the bus.
type EventKind string

const (
	EventActorStarted   EventKind = "ActorStarted"
	EventActorRestarted EventKind = "ActorRestarted"
	EventActorCrashed   EventKind = "ActorCrashed"
	EventActorStopped   EventKind = "ActorStopped"
)

// Event is the common shape of every lifecycle transition emitted through
// the bus. Payload must contain only plain data (strings/numbers/
// booleans/maps/slices); errors are reduced to their message text so the
// event is always safely serializable by a persistence backend.
type Event struct {
	Kind      EventKind
	Address   Address
	Timestamp float64
	// Reason carries the ActorRestarted cause, as text.
	Reason string
	// Error carries the ActorCrashed cause, as text.
	Error string
	// StopReason optionally describes why an ActorStopped happened (e.g.
	// "shutdown", "restart_budget_exhausted", "cascade"). May be empty.
	StopReason string
}

// errorMessage reduces an error to "Type: message", the same shape the
// reference implementation uses for non-serializable exception payloads.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T: %s", err, err.Error())
}

// EventBus fans lifecycle events out to an in-process ring buffer (read via
// Events/WaitForEvent) and to the configured persistence backend.
type EventBus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ring     []Event
	capacity int
	start    int // index of the oldest entry within ring, once full
	count    int
	total    int // monotonically increasing count of events ever published, used as a stream index
	sink     func(Event)
}

// NewEventBus creates a bus retaining up to capacity events in memory.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 1024
	}
	b := &EventBus{ring: make([]Event, capacity), capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SetSink installs the function invoked for every published event, typically
// wired to a persistence backend's RecordEvent. It must never block the
// caller for long; the bus does not bound this call.
func (b *EventBus) SetSink(sink func(Event)) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

// Publish appends ev to the ring and forwards it to the configured sink.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	idx := (b.start + b.count) % b.capacity
	b.ring[idx] = ev
	if b.count < b.capacity {
		b.count++
	} else {
		b.start = (b.start + 1) % b.capacity
	}
	b.total++
	sink := b.sink
	b.cond.Broadcast()
	b.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
}

// Events returns a snapshot of the currently retained events, oldest first.
func (b *EventBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.ring[(b.start+i)%b.capacity]
	}
	return out
}

// WaitForEvent blocks until an event of the given kind is published at or
// after startIndex (a value previously obtained via TotalPublished to see
// only future events, or 0 to also match any event still retained in the
// ring), or ctx is cancelled.
func (b *EventBus) WaitForEvent(ctx context.Context, kind EventKind, startIndex int) (Event, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		for i := 0; i < b.count; i++ {
			globalIdx := b.total - b.count + i
			if globalIdx < startIndex {
				continue
			}
			ev := b.ring[(b.start+i)%b.capacity]
			if ev.Kind == kind {
				return ev, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		b.cond.Wait()
	}
}

// TotalPublished returns the number of events ever published, usable as a
// startIndex for a subsequent WaitForEvent call that should only observe
// future events.
func (b *EventBus) TotalPublished() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
