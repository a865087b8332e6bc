package orderbook

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/metrics"
	"github.com/lemonstand/market-engine/internal/model"
)

// MarketMakerID is the synthetic identity behind standing liquidity. It has
// no ledger entry, so its side of every trade goes unaccounted.
const MarketMakerID = "market-maker"

var (
	tick = decimal.New(1, -2)
	two  = decimal.NewFromInt(2)
	one  = decimal.NewFromInt(1)
)

// MarketMakerConfig sizes and prices the synthetic quotes.
type MarketMakerConfig struct {
	// PoolShares is the size posted on each side after a refill.
	PoolShares int64
	// LowWater triggers a refill when a side's remaining shares drop below it.
	LowWater int64
	// SpreadPct is the full bid/ask spread as a fraction of the mid price,
	// bounded by MinSpread and MaxSpread.
	SpreadPct decimal.Decimal
	MinSpread decimal.Decimal
	MaxSpread decimal.Decimal
	// MaxNudgePct caps how far resting-order pressure moves the mid per
	// requote, as a fraction of the anchor price.
	MaxNudgePct decimal.Decimal
}

// DefaultMarketMakerConfig posts 100 shares a side at a 4% spread.
func DefaultMarketMakerConfig() MarketMakerConfig {
	return MarketMakerConfig{
		PoolShares:  100,
		LowWater:    20,
		SpreadPct:   decimal.RequireFromString("0.04"),
		MinSpread:   decimal.RequireFromString("0.04"),
		MaxSpread:   decimal.RequireFromString("0.50"),
		MaxNudgePct: decimal.RequireFromString("0.05"),
	}
}

type marketMaker struct {
	cfg   MarketMakerConfig
	bidID string
	askID string
}

func newMarketMaker(cfg MarketMakerConfig) *marketMaker {
	if cfg.PoolShares <= 0 {
		cfg.PoolShares = 100
	}
	if cfg.LowWater < 0 || cfg.LowWater > cfg.PoolShares {
		cfg.LowWater = cfg.PoolShares / 5
	}
	return &marketMaker{cfg: cfg}
}

// quotePrices centers the quote on anchor, shifted by the imbalance between
// resting participant buy and sell shares, and spreads it around that mid.
func (m *marketMaker) quotePrices(anchor decimal.Decimal, buyShares, sellShares int64) (bid, ask decimal.Decimal) {
	mid := anchor
	if total := buyShares + sellShares; total > 0 {
		imbalance := decimal.NewFromInt(buyShares - sellShares).Div(decimal.NewFromInt(total))
		nudge := imbalance.Mul(m.cfg.MaxNudgePct)
		mid = anchor.Mul(one.Add(nudge))
	}

	spread := mid.Mul(m.cfg.SpreadPct)
	if spread.LessThan(m.cfg.MinSpread) {
		spread = m.cfg.MinSpread
	}
	if m.cfg.MaxSpread.IsPositive() && spread.GreaterThan(m.cfg.MaxSpread) {
		spread = m.cfg.MaxSpread
	}
	half := spread.Div(two)

	bid = mid.Sub(half).Round(2)
	ask = mid.Add(half).Round(2)
	if bid.LessThan(tick) {
		bid = tick
	}
	if !ask.GreaterThan(bid) {
		ask = bid.Add(tick)
	}
	return bid, ask
}

// requote re-centers both standing orders. A side keeps its remaining size
// unless it fell below the low-water mark, in which case it is refilled to
// the pool size. Must be called with the book lock held.
func (m *marketMaker) requote(b *Book, anchor decimal.Decimal, now time.Time) {
	if !anchor.IsPositive() {
		return
	}
	buy := b.restingShares(model.SideBuy, "", MarketMakerID)
	sell := b.restingShares(model.SideSell, "", MarketMakerID)
	bidPx, askPx := m.quotePrices(anchor, buy, sell)

	m.bidID = m.repost(b, m.bidID, model.SideBuy, bidPx, now)
	m.askID = m.repost(b, m.askID, model.SideSell, askPx, now)
	metrics.MarketMakerRequotes.WithLabelValues(b.companyID).Inc()
}

func (m *marketMaker) repost(b *Book, orderID string, side model.Side, price decimal.Decimal, now time.Time) string {
	size := m.cfg.PoolShares
	if old, ok := b.remove(orderID); ok && old.Remaining >= m.cfg.LowWater {
		size = old.Remaining
	}
	o := &model.Order{
		ID:            uuid.New().String(),
		ParticipantID: MarketMakerID,
		CompanyID:     b.companyID,
		Side:          side,
		Kind:          model.OrderKindLimit,
		Shares:        size,
		Remaining:     size,
		Price:         price,
		Timestamp:     now,
	}
	b.insert(o)
	return o.ID
}

// quote reports the current standing orders. Must be called with the book
// lock held.
func (m *marketMaker) quote(b *Book) model.Quote {
	var q model.Quote
	if e, ok := b.index[m.bidID]; ok {
		q.Bid, q.BidShares = e.Price, e.Order.Remaining
	}
	if e, ok := b.index[m.askID]; ok {
		q.Ask, q.AskShares = e.Price, e.Order.Remaining
	}
	return q
}
