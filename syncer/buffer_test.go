package syncer

import (
	"testing"

	"bookflow/models"
)

func TestEventBufferPreservesArrivalOrder(t *testing.T) {
	buffer := NewEventBuffer()

	for i := int64(1); i <= 5; i++ {
		buffer.Append(models.DeltaEvent{FirstUpdateID: i, LastUpdateID: i})
	}
	if buffer.Len() != 5 {
		t.Fatalf("expected 5 buffered events, got %d", buffer.Len())
	}

	events := buffer.Drain()
	if len(events) != 5 {
		t.Fatalf("expected 5 drained events, got %d", len(events))
	}
	for i, event := range events {
		if event.FirstUpdateID != int64(i+1) {
			t.Fatalf("event %d out of order: %+v", i, event)
		}
	}
	if buffer.Len() != 0 {
		t.Fatalf("drain left %d events behind", buffer.Len())
	}
}

func TestEventBufferPeekFirst(t *testing.T) {
	buffer := NewEventBuffer()

	if _, ok := buffer.PeekFirst(); ok {
		t.Fatalf("peek on empty buffer returned an event")
	}

	buffer.Append(models.DeltaEvent{FirstUpdateID: 7, LastUpdateID: 9})
	buffer.Append(models.DeltaEvent{FirstUpdateID: 10, LastUpdateID: 12})

	first, ok := buffer.PeekFirst()
	if !ok || first.FirstUpdateID != 7 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if buffer.Len() != 2 {
		t.Fatalf("peek consumed an event")
	}
}

func TestEventBufferDrainEmpty(t *testing.T) {
	buffer := NewEventBuffer()
	if events := buffer.Drain(); len(events) != 0 {
		t.Fatalf("expected empty drain, got %d events", len(events))
	}
}
