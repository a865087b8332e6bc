// Package bot decides what computer-controlled participants bid in an IPO and
// trade afterwards. Every decision is a pure function of the bot's fixed
// personality, the state it is shown, and an injected random source, so a
// seeded session replays identically.
package bot

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Strategy is the closed set of bidding personalities.
type Strategy string

const (
	// Scavenger bids a fixed block at the floor on every company. Enough of
	// them guarantee every IPO is oversubscribed.
	Scavenger Strategy = "scavenger"
	// CEO concentrates most of its cash on one company to reach control.
	CEO Strategy = "ceo"
	// Low bids cheaply and buys dips.
	Low Strategy = "low"
	// High bids aggressively and chases momentum.
	High Strategy = "high"
	// Default is a middle-of-the-ladder generalist.
	Default Strategy = "default"
)

// Strategies lists every strategy in roster order.
func Strategies() []Strategy {
	return []Strategy{Scavenger, CEO, Low, High, Default}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	_, ok := params[s]
	return ok
}

// ParseStrategy converts a name into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(name)
	if !s.Valid() {
		return "", fmt.Errorf("bot: unknown strategy %q", name)
	}
	return s, nil
}

// Params is the tunable behaviour of one strategy.
type Params struct {
	// LadderLow and LadderHigh bound the rungs of the price ladder the
	// strategy picks its IPO bid from.
	LadderLow, LadderHigh int

	// MinCashFrac and MaxCashFrac bound the share of available cash put
	// into one IPO bid, before personality weighting.
	MinCashFrac, MaxCashFrac float64

	// MinShares and MaxShares clamp the IPO bid size.
	MinShares, MaxShares int64

	// FixedShares, when positive, replaces all sizing: the bot always bids
	// exactly this many shares at the floor.
	FixedShares int64

	// Participation is the probability of bidding on a given company.
	Participation float64

	// TradeActivity is the probability of placing an order on a tick.
	TradeActivity float64

	// BuyBias is the probability of choosing to buy when both buying and
	// selling are possible.
	BuyBias float64
}

// ScavengerShares is the block a scavenger bids on every company.
const ScavengerShares int64 = 250

var params = map[Strategy]Params{
	Scavenger: {
		FixedShares:   ScavengerShares,
		Participation: 1,
		TradeActivity: 0.2,
		BuyBias:       0.4,
	},
	CEO: {
		LadderLow: 5, LadderHigh: 8,
		MinCashFrac: 0.60, MaxCashFrac: 0.90,
		MinShares: 200, MaxShares: 800,
		Participation: 0.5,
		TradeActivity: 0.6,
		BuyBias:       0.75,
	},
	Low: {
		LadderLow: 0, LadderHigh: 3,
		MinCashFrac: 0.05, MaxCashFrac: 0.15,
		MinShares: 20, MaxShares: 300,
		Participation: 0.7,
		TradeActivity: 0.4,
		BuyBias:       0.5,
	},
	High: {
		LadderLow: 5, LadderHigh: 8,
		MinCashFrac: 0.10, MaxCashFrac: 0.25,
		MinShares: 50, MaxShares: 500,
		Participation: 0.8,
		TradeActivity: 0.5,
		BuyBias:       0.6,
	},
	Default: {
		LadderLow: 2, LadderHigh: 6,
		MinCashFrac: 0.08, MaxCashFrac: 0.20,
		MinShares: 25, MaxShares: 400,
		Participation: 0.75,
		TradeActivity: 0.4,
		BuyBias:       0.5,
	},
}

// ParamsFor returns the parameter set of s. Unknown strategies fall back to
// Default.
func ParamsFor(s Strategy) Params {
	if p, ok := params[s]; ok {
		return p
	}
	return params[Default]
}

// Ladder is the fixed set of IPO bid prices: $1.00 to $3.00 in $0.25 steps.
var Ladder = func() []decimal.Decimal {
	step := decimal.New(25, -2)
	out := make([]decimal.Decimal, 0, 9)
	for p := decimal.NewFromInt(1); p.LessThanOrEqual(decimal.NewFromInt(3)); p = p.Add(step) {
		out = append(out, p)
	}
	return out
}()
