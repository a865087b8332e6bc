// Package auction clears IPOs as uniform-price (Dutch) auctions: every
// winning bidder pays one clearing price, the lowest price still needed to
// sell all issued shares, and the highest bids are filled first.
//
// Money is shopspring/decimal throughout; float64 never holds a price or balance.
package auction

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/model"
)

var (
	// ErrInvariantViolation is returned when the bids cannot absorb every
	// issued share. Scavenger bots exist to make this impossible, so it
	// signals a bidding-policy bug rather than a user error.
	ErrInvariantViolation = errors.New("auction: oversubscription invariant violated")

	// ErrAlreadyCleared is returned for a second clearing of the same company.
	ErrAlreadyCleared = errors.New("auction: ipo already cleared")

	// ErrInvalidSupply is returned when there is nothing to sell.
	ErrInvalidSupply = errors.New("auction: issued shares must be positive")
)

// SortBids orders bids by price descending. Equal prices keep submission
// order.
func SortBids(bids []model.Bid) []model.Bid {
	out := append([]model.Bid(nil), bids...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Price.GreaterThan(out[j].Price)
	})
	return out
}

// Clear computes the clearing price and allocation for supply shares in a
// single pass. bids must already be sorted with SortBids. The clearing price
// is the price of the bid at which cumulative demand first reaches supply,
// clamped up to floor. Each bid then receives min(bid, remaining) at that
// price until supply is exhausted.
func Clear(supply int64, floor decimal.Decimal, bids []model.Bid) (decimal.Decimal, []model.Allocation, error) {
	if supply <= 0 {
		return decimal.Zero, nil, ErrInvalidSupply
	}

	var cumulative int64
	price := decimal.Zero
	covered := false
	for _, b := range bids {
		cumulative += b.Shares
		if cumulative >= supply {
			price = b.Price
			covered = true
			break
		}
	}
	if !covered {
		return decimal.Zero, nil, fmt.Errorf("%w: demand %d < supply %d", ErrInvariantViolation, cumulative, supply)
	}
	if price.LessThan(floor) {
		price = floor
	}

	remaining := supply
	allocations := make([]model.Allocation, 0, len(bids))
	for _, b := range bids {
		if remaining == 0 {
			break
		}
		qty := b.Shares
		if qty > remaining {
			qty = remaining
		}
		allocations = append(allocations, model.Allocation{
			ParticipantID: b.ParticipantID,
			Shares:        qty,
			Price:         price,
			BidPrice:      b.Price,
		})
		remaining -= qty
	}
	return price, allocations, nil
}
