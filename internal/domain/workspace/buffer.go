package workspace

import (
	"sync"

	"github.com/agentdeck/backend/internal/shared/types"
)

// eventBuffer holds events produced while no client is attached.
// Capped: once full, new events are dropped rather than rotated, so
// the oldest buffered events always survive.
type eventBuffer struct {
	mu      sync.Mutex
	cap     int
	events  []types.Event
	dropped uint64
}

func newEventBuffer(capacity int) *eventBuffer {
	return &eventBuffer{cap: capacity}
}

// append adds the event, returning false if the cap was hit.
func (b *eventBuffer) append(event types.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.cap {
		b.dropped++
		return false
	}
	b.events = append(b.events, event)
	return true
}

// drain swaps the buffered slice for an empty one and returns it.
// The swap guarantees each buffered event is handed out exactly once.
func (b *eventBuffer) drain() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.events
	b.events = nil
	return events
}

// len returns the number of buffered events.
func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// droppedCount returns how many events were lost to the cap.
func (b *eventBuffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
