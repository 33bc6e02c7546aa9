package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent marks depth messages that are missing sequence numbers or
// carry unusable price levels. Such events are dropped per-event; the session
// keeps running.
var ErrMalformedEvent = errors.New("malformed depth event")

// PriceLevel is a single (price, quantity) pair. Both values are kept as the
// exchange's decimal strings; they are only parsed with exact decimal
// semantics, never through float64.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// Snapshot is a full point-in-time view of an order book, tagged with the
// sequence number it is consistent as of.
type Snapshot struct {
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Fetched      time.Time    `json:"fetched"`
}

// DeltaEvent is an incremental order book change covering the contiguous
// sequence range [FirstUpdateID, LastUpdateID].
type DeltaEvent struct {
	Exchange      string       `json:"exchange"`
	Symbol        string       `json:"symbol"`
	FirstUpdateID int64        `json:"U"`
	LastUpdateID  int64        `json:"u"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	Received      time.Time    `json:"received"`
}

// Validate rejects events whose sequence range cannot be applied to any book.
func (e DeltaEvent) Validate() error {
	if e.FirstUpdateID <= 0 || e.LastUpdateID <= 0 {
		return fmt.Errorf("%w: missing update id range", ErrMalformedEvent)
	}
	if e.LastUpdateID < e.FirstUpdateID {
		return fmt.Errorf("%w: last update id %d precedes first %d", ErrMalformedEvent, e.LastUpdateID, e.FirstUpdateID)
	}
	return nil
}

// BookView is a read-only copy of an order book for external validation.
// Bids are sorted best-first (descending), asks best-first (ascending).
type BookView struct {
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}
