package depth

import (
	"context"
	"sync"

	"bookflow/logger"
	"bookflow/models"
)

type ChannelStats struct {
	EventsSent    int64
	EventsDropped int64
}

// Channels carries delta events from a stream reader into the single owner
// loop of one book's sync controller.
type Channels struct {
	Events chan models.DeltaEvent

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan models.DeltaEvent, eventBufferSize),
		log:    log,
	}

	log.WithComponent("depth_channels").WithFields(logger.Fields{
		"event_buffer_size": eventBufferSize,
	}).Info("depth channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	c.log.WithComponent("depth_channels").Info("depth channels closed")
}

func (c *Channels) IncrementEventsSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementEventsDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

// SendEvent enqueues an event without blocking. Dropping on a full channel
// shows up as a sequence gap downstream, which the controller repairs by
// resyncing, so a slow consumer degrades to extra snapshots rather than
// unbounded memory.
func (c *Channels) SendEvent(ctx context.Context, event models.DeltaEvent) bool {
	select {
	case c.Events <- event:
		c.IncrementEventsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementEventsDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
