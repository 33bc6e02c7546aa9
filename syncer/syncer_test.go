package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bookflow/book"
	appconfig "bookflow/config"
	"bookflow/internal/channel/depth"
	"bookflow/models"
)

// fakeSnapshots serves queued snapshot results; the last entry repeats once
// the queue is exhausted.
type fakeSnapshots struct {
	mu      sync.Mutex
	calls   int
	results []snapshotResult
}

func (f *fakeSnapshots) FetchSnapshot(ctx context.Context) (models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i].snapshot, f.results[i].err
}

func (f *fakeSnapshots) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Engine: appconfig.EngineConfig{
			SnapshotRetryLimit: 3,
			SnapshotRetryDelay: time.Millisecond,
		},
		Channels: appconfig.ChannelsConfig{EventBuffer: 16},
	}
}

func snapshotAt(lastUpdateID int64) models.Snapshot {
	return models.Snapshot{
		Exchange:     "binance",
		Symbol:       "BTCUSDT",
		LastUpdateID: lastUpdateID,
		Bids:         []models.PriceLevel{{Price: "10.0", Quantity: "1"}},
		Asks:         []models.PriceLevel{{Price: "10.1", Quantity: "1"}},
	}
}

// newTestController wires a controller whose owner methods the tests drive
// directly, without the run goroutine.
func newTestController(results ...snapshotResult) (*Controller, *fakeSnapshots) {
	source := &fakeSnapshots{results: results}
	channels := depth.NewChannels(16)
	c := NewController(testConfig(), "binance", "BTCUSDT", source, channels)
	c.ctx = context.Background()
	return c, source
}

// waitSnapshot reads the next fetch result delivered by a requestSnapshot
// goroutine.
func waitSnapshot(t *testing.T, snapCh <-chan snapshotResult) snapshotResult {
	t.Helper()
	select {
	case res := <-snapCh:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot result")
		return snapshotResult{}
	}
}

func TestReplayDiscardsCoveredEventsAndGoesLive(t *testing.T) {
	c, _ := newTestController(snapshotResult{snapshot: snapshotAt(100)})
	snapCh := make(chan snapshotResult, 1)

	var liveSession string
	var liveCursor int64
	c.SetOnLive(func(sessionID string, lastUpdateID int64) {
		liveSession = sessionID
		liveCursor = lastUpdateID
	})

	// spans the snapshot cursor and removes the only bid
	c.buffer.Append(models.DeltaEvent{
		FirstUpdateID: 95,
		LastUpdateID:  101,
		Bids:          []models.PriceLevel{{Price: "10.0", Quantity: "0"}},
	})
	c.replay(snapshotAt(100), snapCh)

	if c.State() != StateLive {
		t.Fatalf("expected live state, got %s", c.State())
	}
	if c.LastUpdateID() != 101 {
		t.Fatalf("expected cursor 101, got %d", c.LastUpdateID())
	}
	if _, ok := c.TopOfBook(book.SideBid); ok {
		t.Fatalf("expected bid side emptied by spanning event")
	}
	if ask, ok := c.TopOfBook(book.SideAsk); !ok || ask.Price != "10.1" {
		t.Fatalf("unexpected best ask: %+v", ask)
	}
	if liveSession != c.SessionID() || liveCursor != 101 {
		t.Fatalf("live callback got session %q cursor %d", liveSession, liveCursor)
	}
}

func TestReplayDiscardsEventsFullyBehindSnapshot(t *testing.T) {
	c, _ := newTestController(snapshotResult{snapshot: snapshotAt(100)})
	snapCh := make(chan snapshotResult, 1)

	c.buffer.Append(models.DeltaEvent{
		FirstUpdateID: 80,
		LastUpdateID:  100,
		Bids:          []models.PriceLevel{{Price: "1", Quantity: "999"}},
	})
	c.replay(snapshotAt(100), snapCh)

	if c.State() != StateLive {
		t.Fatalf("expected live state, got %s", c.State())
	}
	if c.LastUpdateID() != 100 {
		t.Fatalf("cursor moved on discarded event: %d", c.LastUpdateID())
	}
	if bid, ok := c.TopOfBook(book.SideBid); !ok || bid.Price != "10" {
		t.Fatalf("discarded event mutated the book: %+v", bid)
	}
}

func TestStaleSnapshotIsReRequested(t *testing.T) {
	c, source := newTestController(snapshotResult{snapshot: snapshotAt(60)})
	snapCh := make(chan snapshotResult, 1)

	c.buffer.Append(models.DeltaEvent{FirstUpdateID: 50, LastUpdateID: 51})
	c.setState(StateAwaitingSnapshot)

	c.handleSnapshot(snapshotResult{snapshot: snapshotAt(40)}, snapCh)
	if c.State() != StateAwaitingSnapshot {
		t.Fatalf("expected re-request after stale snapshot, got %s", c.State())
	}
	if c.attempts != 1 {
		t.Fatalf("expected 1 stale attempt, got %d", c.attempts)
	}

	c.handleSnapshot(waitSnapshot(t, snapCh), snapCh)
	if c.State() != StateLive {
		t.Fatalf("expected live state after fresh snapshot, got %s", c.State())
	}
	if c.LastUpdateID() != 60 {
		t.Fatalf("expected cursor 60, got %d", c.LastUpdateID())
	}
	if source.fetchCount() == 0 {
		t.Fatalf("expected a re-request against the snapshot source")
	}
}

func TestStalenessCeilingFailsSession(t *testing.T) {
	c, _ := newTestController(snapshotResult{snapshot: snapshotAt(40)})
	c.config.Engine.SnapshotRetryLimit = 2
	snapCh := make(chan snapshotResult, 1)

	c.buffer.Append(models.DeltaEvent{FirstUpdateID: 50, LastUpdateID: 51})
	c.setState(StateAwaitingSnapshot)

	c.handleSnapshot(snapshotResult{snapshot: snapshotAt(40)}, snapCh)
	c.handleSnapshot(waitSnapshot(t, snapCh), snapCh)

	if c.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", c.State())
	}
	if err := c.Err(); !errors.Is(err, ErrSnapshotStaleness) {
		t.Fatalf("expected ErrSnapshotStaleness, got %v", err)
	}
	if c.buffer.Len() != 0 {
		t.Fatalf("failed session pinned %d buffered events", c.buffer.Len())
	}

	// a failed session discards further stream events
	c.handleEvent(models.DeltaEvent{FirstUpdateID: 60, LastUpdateID: 61}, snapCh)
	if c.buffer.Len() != 0 {
		t.Fatalf("failed session buffered an event")
	}
}

func TestSnapshotFetchErrorRetriesWithoutCounting(t *testing.T) {
	c, _ := newTestController(snapshotResult{snapshot: snapshotAt(100)})
	snapCh := make(chan snapshotResult, 1)
	c.setState(StateAwaitingSnapshot)

	c.handleSnapshot(snapshotResult{err: errors.New("gateway timeout")}, snapCh)
	if c.attempts != 0 {
		t.Fatalf("transport error counted toward the staleness ceiling")
	}

	c.handleSnapshot(waitSnapshot(t, snapCh), snapCh)
	if c.State() != StateLive {
		t.Fatalf("expected live state after retry, got %s", c.State())
	}
	if err := c.Err(); err != nil {
		t.Fatalf("transport retry left a session error: %v", err)
	}
}

func TestLiveGapTriggersResync(t *testing.T) {
	c, _ := newTestController(snapshotResult{snapshot: snapshotAt(200)})
	snapCh := make(chan snapshotResult, 1)

	var resyncSession string
	var resyncReason error
	c.SetOnResync(func(sessionID string, reason error) {
		resyncSession = sessionID
		resyncReason = reason
	})

	c.replay(snapshotAt(100), snapCh)
	if c.State() != StateLive {
		t.Fatalf("expected live state, got %s", c.State())
	}
	oldSession := c.SessionID()

	c.handleEvent(models.DeltaEvent{FirstUpdateID: 105, LastUpdateID: 110}, snapCh)
	if c.State() != StateAwaitingSnapshot {
		t.Fatalf("expected snapshot re-request after gap, got %s", c.State())
	}
	if c.SessionID() == oldSession {
		t.Fatalf("resync kept the old session id")
	}
	if resyncSession != oldSession {
		t.Fatalf("resync callback got session %q, want %q", resyncSession, oldSession)
	}
	if !errors.Is(resyncReason, book.ErrSequenceGap) {
		t.Fatalf("resync reason %v does not wrap ErrSequenceGap", resyncReason)
	}
	if c.LastUpdateID() != 0 {
		t.Fatalf("resync kept the old book cursor: %d", c.LastUpdateID())
	}

	c.handleSnapshot(waitSnapshot(t, snapCh), snapCh)
	if c.State() != StateLive {
		t.Fatalf("expected live state after resync, got %s", c.State())
	}
	if c.LastUpdateID() != 200 {
		t.Fatalf("expected cursor 200 after resync, got %d", c.LastUpdateID())
	}
}

func TestReplayGapSeedsUnappliedTail(t *testing.T) {
	c, _ := newTestController(snapshotResult{snapshot: snapshotAt(112)})
	snapCh := make(chan snapshotResult, 1)

	c.buffer.Append(models.DeltaEvent{FirstUpdateID: 101, LastUpdateID: 102})
	c.buffer.Append(models.DeltaEvent{FirstUpdateID: 110, LastUpdateID: 111}) // gap
	tail := models.DeltaEvent{
		FirstUpdateID: 112,
		LastUpdateID:  113,
		Asks:          []models.PriceLevel{{Price: "10.2", Quantity: "4"}},
	}
	c.buffer.Append(tail)

	c.replay(snapshotAt(100), snapCh)
	if c.State() != StateAwaitingSnapshot {
		t.Fatalf("expected resync after replay gap, got %s", c.State())
	}

	first, ok := c.buffer.PeekFirst()
	if !ok || first.FirstUpdateID != tail.FirstUpdateID {
		t.Fatalf("new buffer not seeded with unapplied tail: %+v", first)
	}
	if c.buffer.Len() != 1 {
		t.Fatalf("expected 1 seeded event, got %d", c.buffer.Len())
	}

	c.handleSnapshot(waitSnapshot(t, snapCh), snapCh)
	if c.State() != StateLive {
		t.Fatalf("expected live state, got %s", c.State())
	}
	if c.LastUpdateID() != 113 {
		t.Fatalf("expected seeded tail applied to cursor 113, got %d", c.LastUpdateID())
	}
}

func TestMalformedEventIsDroppedBeforeBuffering(t *testing.T) {
	c, _ := newTestController(snapshotResult{snapshot: snapshotAt(100)})
	snapCh := make(chan snapshotResult, 1)
	c.setState(StateBuffering)

	c.handleEvent(models.DeltaEvent{FirstUpdateID: 10, LastUpdateID: 5}, snapCh)
	if c.buffer.Len() != 0 {
		t.Fatalf("malformed event was buffered")
	}

	c.handleEvent(models.DeltaEvent{FirstUpdateID: 10, LastUpdateID: 12}, snapCh)
	if c.buffer.Len() != 1 {
		t.Fatalf("valid event was not buffered")
	}
}

func TestControllerRunLoop(t *testing.T) {
	source := &fakeSnapshots{results: []snapshotResult{{snapshot: snapshotAt(100)}}}
	channels := depth.NewChannels(16)
	c := NewController(testConfig(), "binance", "BTCUSDT", source, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Fatalf("expected second start to fail")
	}

	waitForState(t, c, StateLive)

	channels.SendEvent(ctx, models.DeltaEvent{
		FirstUpdateID: 101,
		LastUpdateID:  102,
		Bids:          []models.PriceLevel{{Price: "10.05", Quantity: "2"}},
	})
	waitFor(t, func() bool { return c.LastUpdateID() == 102 }, "live event applied")

	if bid, ok := c.TopOfBook(book.SideBid); !ok || bid.Price != "10.05" {
		t.Fatalf("unexpected best bid: %+v", bid)
	}

	cancel()
	c.Stop()
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	waitFor(t, func() bool { return c.State() == want }, want.String())
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
