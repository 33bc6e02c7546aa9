package book

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

// Side selects one of the two halves of an order book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

var (
	// ErrNotInitialized is returned when deltas arrive before a snapshot
	// has been loaded.
	ErrNotInitialized = errors.New("order book not initialized")
	// ErrAlreadyInitialized guards against a second blind snapshot load;
	// a re-sync must use a fresh Book.
	ErrAlreadyInitialized = errors.New("order book already initialized")
	// ErrSequenceGap signals a discontinuity between the cursor and an
	// incoming event. The book is untouched; the caller must discard it
	// and resynchronize from a fresh snapshot.
	ErrSequenceGap = errors.New("sequence gap detected")
)

// ApplyResult reports what Apply did with an event.
type ApplyResult int

const (
	// ResultSkipped means the event was already reflected in the book.
	ResultSkipped ApplyResult = iota
	// ResultApplied means the event mutated the book and advanced the cursor.
	ResultApplied
)

func (r ApplyResult) String() string {
	if r == ResultApplied {
		return "applied"
	}
	return "skipped"
}

// level holds a parsed price level. The price is also kept parsed so that
// best-level scans compare decimals, not strings.
type level struct {
	price    decimal.Decimal
	quantity decimal.Decimal
}

// Book is the local copy of one symbol's order book. Prices are keyed by
// their canonical decimal representation so "10.0" and "10.00" address the
// same level. A Book is not safe for concurrent use; a single owner
// serializes all access.
type Book struct {
	exchange     string
	symbol       string
	bids         map[string]level
	asks         map[string]level
	lastUpdateID int64
	initialized  bool
}

// New returns an empty, uninitialized book for the given market.
func New(exchange, symbol string) *Book {
	return &Book{
		exchange: exchange,
		symbol:   symbol,
		bids:     make(map[string]level),
		asks:     make(map[string]level),
	}
}

// Initialized reports whether a snapshot has been loaded.
func (b *Book) Initialized() bool {
	return b.initialized
}

// LastUpdateID returns the sequence cursor. Zero until initialized.
func (b *Book) LastUpdateID() int64 {
	return b.lastUpdateID
}

// Initialize replaces both sides wholesale with the snapshot's levels and
// sets the cursor to the snapshot's lastUpdateId. It may be called once per
// Book; re-sync means building a fresh instance.
func (b *Book) Initialize(snap models.Snapshot) error {
	if b.initialized {
		return ErrAlreadyInitialized
	}

	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return fmt.Errorf("snapshot bids: %w", err)
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return fmt.Errorf("snapshot asks: %w", err)
	}

	b.bids = make(map[string]level, len(bids))
	b.asks = make(map[string]level, len(asks))
	setLevels(b.bids, bids)
	setLevels(b.asks, asks)
	b.lastUpdateID = snap.LastUpdateID
	b.initialized = true
	return nil
}

// Apply folds one delta event into the book. Events entirely behind the
// cursor are skipped; events starting beyond cursor+1 fail with
// ErrSequenceGap. Either way the book is only mutated on the applied path,
// and there only after every level has parsed cleanly, so a failing Apply is
// a complete no-op.
func (b *Book) Apply(event models.DeltaEvent) (ApplyResult, error) {
	if !b.initialized {
		return ResultSkipped, ErrNotInitialized
	}

	if event.LastUpdateID < b.lastUpdateID {
		return ResultSkipped, nil
	}
	if event.FirstUpdateID > b.lastUpdateID+1 {
		return ResultSkipped, fmt.Errorf("%w: cursor %d, event covers [%d, %d]",
			ErrSequenceGap, b.lastUpdateID, event.FirstUpdateID, event.LastUpdateID)
	}

	bids, err := parseLevels(event.Bids)
	if err != nil {
		return ResultSkipped, fmt.Errorf("%w: bids: %v", models.ErrMalformedEvent, err)
	}
	asks, err := parseLevels(event.Asks)
	if err != nil {
		return ResultSkipped, fmt.Errorf("%w: asks: %v", models.ErrMalformedEvent, err)
	}

	setLevels(b.bids, bids)
	setLevels(b.asks, asks)
	b.lastUpdateID = event.LastUpdateID
	return ResultApplied, nil
}

// TopOfBook returns the best level on a side: highest bid or lowest ask.
// The second return is false when the side is empty.
func (b *Book) TopOfBook(side Side) (models.PriceLevel, bool) {
	var best level
	found := false
	for _, lvl := range b.side(side) {
		if !found {
			best = lvl
			found = true
			continue
		}
		cmp := lvl.price.Cmp(best.price)
		if (side == SideBid && cmp > 0) || (side == SideAsk && cmp < 0) {
			best = lvl
		}
	}
	if !found {
		return models.PriceLevel{}, false
	}
	return models.PriceLevel{Price: best.price.String(), Quantity: best.quantity.String()}, true
}

// Len returns the number of levels on a side.
func (b *Book) Len(side Side) int {
	return len(b.side(side))
}

// View copies the book into a sorted, read-only form: bids descending and
// asks ascending by price.
func (b *Book) View() models.BookView {
	return models.BookView{
		Exchange:     b.exchange,
		Symbol:       b.symbol,
		LastUpdateID: b.lastUpdateID,
		Bids:         sortedLevels(b.bids, true),
		Asks:         sortedLevels(b.asks, false),
	}
}

func (b *Book) side(side Side) map[string]level {
	if side == SideBid {
		return b.bids
	}
	return b.asks
}

func parseLevels(raw []models.PriceLevel) ([]level, error) {
	levels := make([]level, 0, len(raw))
	for _, pl := range raw {
		price, err := decimal.NewFromString(pl.Price)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", pl.Price, err)
		}
		qty, err := decimal.NewFromString(pl.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", pl.Quantity, err)
		}
		levels = append(levels, level{price: price, quantity: qty})
	}
	return levels, nil
}

func setLevels(side map[string]level, levels []level) {
	for _, lvl := range levels {
		key := lvl.price.String()
		if lvl.quantity.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

func sortedLevels(side map[string]level, descending bool) []models.PriceLevel {
	levels := make([]level, 0, len(side))
	for _, lvl := range side {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		cmp := levels[i].price.Cmp(levels[j].price)
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})

	out := make([]models.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, models.PriceLevel{Price: lvl.price.String(), Quantity: lvl.quantity.String()})
	}
	return out
}
