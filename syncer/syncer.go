package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bookflow/book"
	appconfig "bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/logger"
	"bookflow/models"
)

// State is the sync controller's position in the snapshot-then-replay
// procedure.
type State int32

const (
	StateConnecting State = iota
	StateBuffering
	StateAwaitingSnapshot
	StateReplaying
	StateLive
	StateResyncRequired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBuffering:
		return "buffering"
	case StateAwaitingSnapshot:
		return "awaiting_snapshot"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateResyncRequired:
		return "resync_required"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// SnapshotSource fetches a point-in-time order book snapshot. It is called
// repeatedly while the controller validates snapshot freshness against the
// buffered stream.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) (models.Snapshot, error)
}

// DeltaStreamSource is the stream side of a market: it owns the websocket
// transport and forwards delta events, in arrival order, into the channels a
// controller consumes. Stream reconnects are its business; the controller
// only resets local state.
type DeltaStreamSource interface {
	Start(ctx context.Context) error
	Stop()
}

type snapshotResult struct {
	snapshot models.Snapshot
	err      error
}

// Controller reconstructs and maintains one symbol's local order book from
// a snapshot source and a delta event channel. All mutations of the book
// and the event buffer happen on the controller's single run goroutine;
// external reads go through an RWMutex so they never observe a partial
// apply. A detected sequence gap resets local state only: the stream feed
// keeps running and a fresh snapshot re-seeds the book.
type Controller struct {
	config    *appconfig.Config
	exchange  string
	symbol    string
	snapshots SnapshotSource
	channels  *depth.Channels

	state atomic.Int32

	mu        sync.RWMutex
	book      *book.Book
	sessionID string
	err       error
	running   bool

	// owner goroutine only
	buffer   *EventBuffer
	attempts int

	onLive   func(sessionID string, lastUpdateID int64)
	onResync func(sessionID string, reason error)

	ctx context.Context
	wg  *sync.WaitGroup
	log *logger.Log
}

// NewController creates a controller for one market. The delta stream
// feeding ch must already preserve arrival order; the controller never
// reorders events.
func NewController(cfg *appconfig.Config, exchange, symbol string, snapshots SnapshotSource, ch *depth.Channels) *Controller {
	c := &Controller{
		config:    cfg,
		exchange:  exchange,
		symbol:    symbol,
		snapshots: snapshots,
		channels:  ch,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
	c.resetSession(nil)
	c.state.Store(int32(StateConnecting))
	return c
}

// SetOnLive registers a callback fired from the run goroutine whenever the
// controller reaches the live state. Must be set before Start.
func (c *Controller) SetOnLive(fn func(sessionID string, lastUpdateID int64)) {
	c.onLive = fn
}

// SetOnResync registers a callback fired from the run goroutine when a
// sequence gap forces a resynchronization. Must be set before Start.
func (c *Controller) SetOnResync(fn func(sessionID string, reason error)) {
	c.onResync = fn
}

// Start launches the run goroutine. The stream reader writing into the
// event channel is expected to be started alongside.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("sync controller already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	c.log.WithComponent("sync_controller").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
	}).Info("starting sync controller")

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop waits for the run goroutine to exit. The caller cancels the context
// passed to Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.log.WithComponent("sync_controller").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
	}).Info("sync controller stopped")
}

// State returns the controller's current machine state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Err returns the terminal session error, if any. Only the snapshot
// staleness ceiling produces one; gaps and malformed events are recovered
// locally.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// SessionID identifies the current sync generation. It changes on every
// resync.
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// TopOfBook returns the best level on a side of the live book.
func (c *Controller) TopOfBook(side book.Side) (models.PriceLevel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book.TopOfBook(side)
}

// View returns a sorted read-only copy of the book for external validation.
func (c *Controller) View() models.BookView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book.View()
}

// LastUpdateID returns the book's sequence cursor.
func (c *Controller) LastUpdateID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book.LastUpdateID()
}

func (c *Controller) run() {
	defer c.wg.Done()

	log := c.log.WithComponent("sync_controller").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
	})

	c.setState(StateBuffering)
	snapCh := make(chan snapshotResult, 1)
	c.requestSnapshot(snapCh, 0)

	for {
		select {
		case <-c.ctx.Done():
			log.Info("sync controller stopped due to context cancellation")
			return
		case event, ok := <-c.channels.Events:
			if !ok {
				log.Info("event channel closed, sync controller stopping")
				return
			}
			c.handleEvent(event, snapCh)
		case res := <-snapCh:
			c.handleSnapshot(res, snapCh)
		}
	}
}

// requestSnapshot issues one snapshot fetch off the owner goroutine after
// an optional delay. The owner keeps consuming stream events while the
// fetch is in flight. A result arriving after cancellation is discarded
// without touching state.
func (c *Controller) requestSnapshot(snapCh chan<- snapshotResult, delay time.Duration) {
	c.setState(StateAwaitingSnapshot)

	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}
		}

		snapshot, err := c.snapshots.FetchSnapshot(c.ctx)
		select {
		case snapCh <- snapshotResult{snapshot: snapshot, err: err}:
		case <-c.ctx.Done():
		}
	}()
}

func (c *Controller) handleEvent(event models.DeltaEvent, snapCh chan<- snapshotResult) {
	log := c.log.WithComponent("sync_controller").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
	})

	if err := event.Validate(); err != nil {
		logger.IncrementMalformedDrop()
		log.WithError(err).Warn("dropping malformed delta event")
		return
	}

	switch c.State() {
	case StateLive:
		c.applyLive(event, snapCh, log)
	case StateFailed:
		// session is over, drain and discard
	default:
		c.buffer.Append(event)
	}
}

func (c *Controller) applyLive(event models.DeltaEvent, snapCh chan<- snapshotResult, log *logger.Entry) {
	c.mu.Lock()
	result, err := c.book.Apply(event)
	c.mu.Unlock()

	switch {
	case err == nil:
		if result == book.ResultApplied {
			logger.IncrementDeltaApplied()
		} else {
			logger.IncrementDeltaSkipped()
		}
	case errors.Is(err, book.ErrSequenceGap):
		logger.IncrementSequenceGap()
		log.WithError(err).Warn("sequence gap in live stream, resynchronizing")
		c.resync(err, nil, snapCh)
	case errors.Is(err, models.ErrMalformedEvent):
		logger.IncrementMalformedDrop()
		log.WithError(err).Warn("dropping malformed delta event")
	default:
		log.WithError(err).Warn("failed to apply delta event")
	}
}

func (c *Controller) handleSnapshot(res snapshotResult, snapCh chan<- snapshotResult) {
	if c.State() != StateAwaitingSnapshot {
		return
	}

	log := c.log.WithComponent("snapshot_validator").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
		"session":  c.sessionID,
	})

	if res.err != nil {
		log.WithError(res.err).Warn("snapshot fetch failed, retrying")
		c.requestSnapshot(snapCh, c.config.Engine.SnapshotRetryDelay)
		return
	}

	snapshot := res.snapshot
	if first, ok := c.buffer.PeekFirst(); ok && snapshot.LastUpdateID < first.FirstUpdateID {
		c.attempts++
		logger.IncrementStaleSnapshot()

		if c.attempts >= c.config.Engine.SnapshotRetryLimit {
			c.fail(fmt.Errorf("%w: snapshot lastUpdateId %d behind buffered first update %d after %d attempts",
				ErrSnapshotStaleness, snapshot.LastUpdateID, first.FirstUpdateID, c.attempts))
			return
		}

		log.WithFields(logger.Fields{
			"snapshot_last_update_id": snapshot.LastUpdateID,
			"buffered_first_update":   first.FirstUpdateID,
			"attempt":                 c.attempts,
		}).Warn("snapshot lags buffered stream, re-requesting")
		c.requestSnapshot(snapCh, c.config.Engine.SnapshotRetryDelay)
		return
	}

	c.replay(snapshot, snapCh)
}

// replay initializes the book from an accepted snapshot, discards buffered
// events already represented in it and applies the remainder in arrival
// order.
func (c *Controller) replay(snapshot models.Snapshot, snapCh chan<- snapshotResult) {
	c.setState(StateReplaying)

	log := c.log.WithComponent("sync_controller").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
		"session":  c.sessionID,
	})

	c.mu.Lock()
	err := c.book.Initialize(snapshot)
	c.mu.Unlock()
	if err != nil {
		log.WithError(err).Warn("failed to initialize book from snapshot, re-requesting")
		c.requestSnapshot(snapCh, c.config.Engine.SnapshotRetryDelay)
		return
	}

	events := c.buffer.Drain()
	discarded, applied := 0, 0
	for i, event := range events {
		if event.LastUpdateID <= snapshot.LastUpdateID {
			discarded++
			continue
		}

		c.mu.Lock()
		result, err := c.book.Apply(event)
		c.mu.Unlock()

		switch {
		case err == nil:
			if result == book.ResultApplied {
				logger.IncrementDeltaApplied()
				applied++
			} else {
				logger.IncrementDeltaSkipped()
			}
		case errors.Is(err, book.ErrSequenceGap):
			logger.IncrementSequenceGap()
			log.WithError(err).Warn("sequence gap during replay, resynchronizing")
			c.resync(err, events[i+1:], snapCh)
			return
		case errors.Is(err, models.ErrMalformedEvent):
			logger.IncrementMalformedDrop()
			log.WithError(err).Warn("dropping malformed buffered event")
		default:
			log.WithError(err).Warn("failed to apply buffered event")
		}
	}

	c.setState(StateLive)
	log.WithFields(logger.Fields{
		"last_update_id": snapshot.LastUpdateID,
		"replayed":       applied,
		"discarded":      discarded,
	}).Info("order book live")

	if c.onLive != nil {
		c.onLive(c.sessionID, c.LastUpdateID())
	}
}

// resync discards the current book, seeds a fresh buffer with any stream
// events not yet applied and requests a new snapshot. The stream itself is
// untouched; this is a purely local reset.
func (c *Controller) resync(reason error, pending []models.DeltaEvent, snapCh chan<- snapshotResult) {
	logger.IncrementResync()
	c.setState(StateResyncRequired)

	if c.onResync != nil {
		c.onResync(c.sessionID, reason)
	}

	c.resetSession(pending)
	c.setState(StateBuffering)

	c.log.WithComponent("sync_controller").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
		"session":  c.sessionID,
		"seeded":   len(pending),
	}).Info("resynchronizing from fresh snapshot")

	c.requestSnapshot(snapCh, 0)
}

// resetSession swaps in a fresh book, buffer and session id. pending holds
// stream events received before the reset but never applied; they re-enter
// the new buffer in their original arrival order.
func (c *Controller) resetSession(pending []models.DeltaEvent) {
	c.mu.Lock()
	c.book = book.New(c.exchange, c.symbol)
	c.sessionID = uuid.NewString()
	c.mu.Unlock()

	c.buffer = NewEventBuffer()
	for _, event := range pending {
		c.buffer.Append(event)
	}
	c.attempts = 0
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	// The session will never replay; do not pin buffered events.
	c.buffer = NewEventBuffer()
	c.setState(StateFailed)

	c.log.WithComponent("sync_controller").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
		"session":  c.sessionID,
	}).WithError(err).Error("sync session failed")
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.log.WithComponent("sync_controller").WithFields(logger.Fields{
		"exchange": c.exchange,
		"symbol":   c.symbol,
		"from":     prev.String(),
		"to":       s.String(),
	}).Debug("state transition")
}
