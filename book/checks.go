package book

import (
	"github.com/shopspring/decimal"

	"bookflow/models"
)

// Crossed reports whether the best bid is at or above the best ask. A
// crossed book means the local copy has diverged from the exchange.
func Crossed(v models.BookView) bool {
	if len(v.Bids) == 0 || len(v.Asks) == 0 {
		return false
	}
	bestBid, err := decimal.NewFromString(v.Bids[0].Price)
	if err != nil {
		return false
	}
	bestAsk, err := decimal.NewFromString(v.Asks[0].Price)
	if err != nil {
		return false
	}
	return bestBid.Cmp(bestAsk) >= 0
}

// SortedSides reports whether the view's bids are strictly descending and
// its asks strictly ascending. Views produced by Book.View always are; the
// check exists for harnesses validating external data.
func SortedSides(v models.BookView) bool {
	return strictlyOrdered(v.Bids, true) && strictlyOrdered(v.Asks, false)
}

func strictlyOrdered(levels []models.PriceLevel, descending bool) bool {
	var prev decimal.Decimal
	for i, lvl := range levels {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return false
		}
		if i > 0 {
			cmp := price.Cmp(prev)
			if descending && cmp >= 0 {
				return false
			}
			if !descending && cmp <= 0 {
				return false
			}
		}
		prev = price
	}
	return true
}
