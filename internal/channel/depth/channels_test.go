package depth

import (
	"context"
	"testing"

	"bookflow/models"
)

func TestChannelsStats(t *testing.T) {
	ch := NewChannels(2)
	ch.IncrementEventsSent()
	ch.IncrementEventsDropped()
	stats := ch.GetStats()
	if stats.EventsSent != 1 || stats.EventsDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendEventDropsWhenFull(t *testing.T) {
	ch := NewChannels(1)
	ctx := context.Background()

	if !ch.SendEvent(ctx, models.DeltaEvent{FirstUpdateID: 1, LastUpdateID: 1}) {
		t.Fatalf("send into empty channel failed")
	}
	if ch.SendEvent(ctx, models.DeltaEvent{FirstUpdateID: 2, LastUpdateID: 2}) {
		t.Fatalf("send into full channel succeeded")
	}

	stats := ch.GetStats()
	if stats.EventsSent != 1 || stats.EventsDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	event := <-ch.Events
	if event.FirstUpdateID != 1 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestChannelsClose(t *testing.T) {
	ch := NewChannels(1)
	ch.Close()
	if _, ok := <-ch.Events; ok {
		t.Fatalf("expected closed channel")
	}
}
