package models

import (
	"fmt"
	"strconv"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// KUCOIN ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// KucoinWsMessage is the envelope for KuCoin spot websocket frames.
type KucoinWsMessage struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Subject string `json:"subject"`
}

// KucoinDeltaResp represents a level2 delta update from the KuCoin spot
// websocket. SequenceStart/SequenceEnd map directly onto the first/last
// update id range of a delta event.
type KucoinDeltaResp struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		Symbol        string      `json:"symbol"`
		SequenceStart int64       `json:"sequenceStart"`
		SequenceEnd   int64       `json:"sequenceEnd"`
		Changes       struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		} `json:"changes"`
		Time int64 `json:"time"`
	} `json:"data"`
}

// KucoinSnapshotResp represents the KuCoin spot level2 REST response. The
// sequence is returned as a decimal string.
type KucoinSnapshotResp struct {
	Code string `json:"code"`
	Data struct {
		Time     int64       `json:"time"`
		Sequence string      `json:"sequence"`
		Bids     [][2]string `json:"bids"`
		Asks     [][2]string `json:"asks"`
	} `json:"data"`
}

// Normalize converts a KuCoin level2 delta into the exchange-neutral event
// shape. Level2 changes carry a third element (the sequence of the change)
// which is dropped; only price and size survive.
func (m KucoinDeltaResp) Normalize(received time.Time) (DeltaEvent, error) {
	evt := DeltaEvent{
		Exchange:      "kucoin",
		Symbol:        m.Data.Symbol,
		FirstUpdateID: m.Data.SequenceStart,
		LastUpdateID:  m.Data.SequenceEnd,
		Received:      received,
	}

	var err error
	if evt.Bids, err = kucoinLevels(m.Data.Changes.Bids); err != nil {
		return DeltaEvent{}, err
	}
	if evt.Asks, err = kucoinLevels(m.Data.Changes.Asks); err != nil {
		return DeltaEvent{}, err
	}

	if err := evt.Validate(); err != nil {
		return DeltaEvent{}, err
	}
	return evt, nil
}

// Normalize converts a KuCoin level2 REST snapshot into the exchange-neutral
// snapshot shape.
func (m KucoinSnapshotResp) Normalize(symbol string, fetched time.Time) (Snapshot, error) {
	seq, err := strconv.ParseInt(m.Data.Sequence, 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse kucoin sequence %q: %w", m.Data.Sequence, err)
	}

	snap := Snapshot{
		Exchange:     "kucoin",
		Symbol:       symbol,
		LastUpdateID: seq,
		Bids:         make([]PriceLevel, 0, len(m.Data.Bids)),
		Asks:         make([]PriceLevel, 0, len(m.Data.Asks)),
		Fetched:      fetched,
	}
	for _, lvl := range m.Data.Bids {
		snap.Bids = append(snap.Bids, PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	for _, lvl := range m.Data.Asks {
		snap.Asks = append(snap.Asks, PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return snap, nil
}

func kucoinLevels(raw [][]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("%w: level2 change with %d fields", ErrMalformedEvent, len(lvl))
		}
		levels = append(levels, PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return levels, nil
}
