package syncer

import "bookflow/models"

// EventBuffer is the ordered holding area for delta events that arrive
// before the book has a snapshot to apply them against. Append-only, no
// reordering, no deduplication; it is drained exactly once when replay
// starts. The controller's owner goroutine is the only accessor, so the
// buffer carries no locking of its own.
type EventBuffer struct {
	events []models.DeltaEvent
}

// NewEventBuffer returns an empty buffer.
func NewEventBuffer() *EventBuffer {
	return &EventBuffer{}
}

// Append adds an event at the tail, preserving arrival order.
func (b *EventBuffer) Append(event models.DeltaEvent) {
	b.events = append(b.events, event)
}

// PeekFirst returns the oldest buffered event without removing it. The
// second return is false when the buffer is empty.
func (b *EventBuffer) PeekFirst() (models.DeltaEvent, bool) {
	if len(b.events) == 0 {
		return models.DeltaEvent{}, false
	}
	return b.events[0], true
}

// Drain returns every buffered event in arrival order and empties the
// buffer.
func (b *EventBuffer) Drain() []models.DeltaEvent {
	events := b.events
	b.events = nil
	return events
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	return len(b.events)
}
