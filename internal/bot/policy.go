package bot

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/model"
)

// CEOThreshold is the ownership fraction a CEO bot aims for.
const CEOThreshold = 0.35

var cent = decimal.New(1, -2)

// DecideBid returns the bot's IPO bid for one company, or false when the bot
// sits this company out or cannot afford a single share.
func DecideBid(r *rand.Rand, p model.Personality, c model.Company, floor, cash decimal.Decimal) (model.Bid, bool) {
	prm := ParamsFor(Strategy(p.Strategy))
	if r.Float64() >= prm.Participation {
		return model.Bid{}, false
	}

	if prm.FixedShares > 0 {
		return sized(p, c.ID, prm.FixedShares, floor, cash)
	}

	price := ladderPrice(r, prm, p.RiskTolerance, p.BidMultiplier)
	if price.LessThan(floor) {
		price = floor
	}

	blend := (r.Float64() + clamp01(p.Concentration)) / 2
	frac := prm.MinCashFrac + blend*(prm.MaxCashFrac-prm.MinCashFrac)
	shares := cash.Mul(decimal.NewFromFloat(frac)).Div(price).Floor().IntPart()
	shares = max(prm.MinShares, min(prm.MaxShares, shares))
	return sized(p, c.ID, shares, price, cash)
}

// sized caps shares at what cash covers and builds the bid.
func sized(p model.Personality, companyID string, shares int64, price, cash decimal.Decimal) (model.Bid, bool) {
	if !price.IsPositive() {
		return model.Bid{}, false
	}
	if affordable := cash.Div(price).Floor().IntPart(); affordable < shares {
		shares = affordable
	}
	if shares <= 0 {
		return model.Bid{}, false
	}
	return model.Bid{CompanyID: companyID, Shares: shares, Price: price}, true
}

// ladderPrice picks a rung inside the strategy's band, placed by risk
// tolerance with one rung of jitter either way, then scales it by the
// personality's bid multiplier.
func ladderPrice(r *rand.Rand, prm Params, risk, multiplier float64) decimal.Decimal {
	span := prm.LadderHigh - prm.LadderLow
	rung := prm.LadderLow + int(math.Round(clamp01(risk)*float64(span))) + r.IntN(3) - 1
	rung = max(prm.LadderLow, min(prm.LadderHigh, rung))
	rung = max(0, min(len(Ladder)-1, rung))

	price := Ladder[rung]
	if multiplier > 0 {
		price = price.Mul(decimal.NewFromFloat(multiplier)).Round(2)
	}
	if price.LessThan(cent) {
		price = cent
	}
	return price
}

// MarketView is what a bot sees of one company during trading.
type MarketView struct {
	CompanyID    string
	CurrentPrice decimal.Decimal
	IPOPrice     decimal.Decimal
	TotalShares  int64
}

// Intent is an order a bot wants to place.
type Intent struct {
	CompanyID string
	Side      model.Side
	Kind      model.OrderKind
	Shares    int64
	Price     decimal.Decimal
}

// DecideTrade returns the bot's order for one company on this tick, or false
// when it stays idle.
func DecideTrade(r *rand.Rand, p model.Personality, m MarketView, cash decimal.Decimal, holding int64) (Intent, bool) {
	if !m.CurrentPrice.IsPositive() {
		return Intent{}, false
	}
	s := Strategy(p.Strategy)
	prm := ParamsFor(s)
	if r.Float64() >= prm.TradeActivity {
		return Intent{}, false
	}

	canBuy := cash.GreaterThanOrEqual(m.CurrentPrice)
	canSell := holding > 0
	var side model.Side
	switch {
	case canBuy && canSell:
		side = model.SideSell
		if r.Float64() < buyProbability(s, prm, m, holding) {
			side = model.SideBuy
		}
	case canBuy:
		side = model.SideBuy
	case canSell:
		side = model.SideSell
	default:
		return Intent{}, false
	}

	in := Intent{CompanyID: m.CompanyID, Side: side, Kind: model.OrderKindLimit}
	if r.Float64() < clamp01(p.RiskTolerance)*0.3 {
		in.Kind = model.OrderKindMarket
	}
	in.Price = limitPrice(r, side, m.CurrentPrice, p.RiskTolerance)

	if side == model.SideBuy {
		in.Shares = buySize(r, s, p, m, cash, holding, in.Price)
	} else {
		in.Shares = sellSize(r, s, m, holding)
	}
	if in.Shares <= 0 {
		return Intent{}, false
	}
	if in.Kind == model.OrderKindMarket {
		in.Price = decimal.Zero
	}
	return in, true
}

// buyProbability is the per-strategy chance of buying over selling.
func buyProbability(s Strategy, prm Params, m MarketView, holding int64) float64 {
	above := m.IPOPrice.IsPositive() && m.CurrentPrice.GreaterThan(m.IPOPrice)
	switch s {
	case Low:
		if !above {
			return 0.8
		}
		if m.CurrentPrice.GreaterThan(m.IPOPrice.Mul(decimal.NewFromFloat(1.1))) {
			return 0.2
		}
	case High:
		if above {
			return 0.7
		}
		return 0.4
	case Scavenger:
		if above {
			return 0.1
		}
	case CEO:
		if ownership(holding, m.TotalShares) >= CEOThreshold {
			return 0.3
		}
	}
	return prm.BuyBias
}

// limitPrice offsets the current price by risk tolerance: bold buyers pay
// up and bold sellers undercut, with a cent-level jitter.
func limitPrice(r *rand.Rand, side model.Side, current decimal.Decimal, risk float64) decimal.Decimal {
	offset := (clamp01(risk)-0.5)*0.08 + (r.Float64()-0.5)*0.02
	if side == model.SideSell {
		offset = -offset
	}
	price := current.Mul(decimal.NewFromFloat(1 + offset)).Round(2)
	if price.LessThan(cent) {
		price = cent
	}
	return price
}

func buySize(r *rand.Rand, s Strategy, p model.Personality, m MarketView, cash decimal.Decimal, holding int64, limit decimal.Decimal) int64 {
	price := limit
	if !price.IsPositive() {
		price = m.CurrentPrice
	}
	affordable := cash.Div(price).Floor().IntPart()

	if s == CEO && m.TotalShares > 0 {
		target := int64(math.Ceil(CEOThreshold * float64(m.TotalShares)))
		if need := target - holding; need > 0 {
			return min(need, affordable)
		}
	}

	frac := (0.05 + 0.15*r.Float64()) * (0.5 + clamp01(p.Concentration))
	shares := cash.Mul(decimal.NewFromFloat(math.Min(frac, 1))).Div(price).Floor().IntPart()
	return max(min(shares, affordable), min(1, affordable))
}

func sellSize(r *rand.Rand, s Strategy, m MarketView, holding int64) int64 {
	if s == CEO && m.TotalShares > 0 {
		keep := int64(math.Ceil(CEOThreshold * float64(m.TotalShares)))
		if holding >= keep {
			return holding - keep
		}
	}
	shares := int64(math.Ceil(float64(holding) * (0.2 + 0.3*r.Float64())))
	return max(1, min(holding, shares))
}

func ownership(holding, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(holding) / float64(total)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// RequiredScavengers is the smallest scavenger count whose floor bids alone
// exceed every company's supply, given what one scavenger's starting cash
// covers at the floor.
func RequiredScavengers(companies int, sharesPerCompany int64, startingCash, floor decimal.Decimal) int {
	if companies <= 0 || sharesPerCompany <= 0 {
		return 0
	}
	perCompany := int(sharesPerCompany/ScavengerShares) + 1
	blockCost := floor.Mul(decimal.NewFromInt(ScavengerShares))
	coverage := companies
	if blockCost.IsPositive() {
		coverage = int(min(int64(companies), startingCash.Div(blockCost).Floor().IntPart()))
	}
	if coverage < 1 {
		coverage = 1
	}
	return (perCompany*companies + coverage - 1) / coverage
}

// Profile is a generated bot before it joins a session.
type Profile struct {
	Name        string
	Personality model.Personality
}

var botNames = []string{
	"Zesty Zoe", "Sour Sam", "Pucker Pete", "Citrus Cleo", "Squeeze Sid",
	"Rind Rita", "Pulp Pablo", "Tangy Tess", "Peel Percy", "Juicy Jules",
	"Sugar Sal", "Lemon Lou",
}

// Roster generates count bots, the first scavengers of which are scavengers;
// the rest cycle through the other strategies. count is raised to the
// scavenger minimum if it is below it.
func Roster(r *rand.Rand, count, scavengers int) []Profile {
	count = max(count, scavengers)
	others := []Strategy{CEO, High, Low, Default}
	out := make([]Profile, 0, count)
	for i := 0; i < count; i++ {
		s := Scavenger
		if i >= scavengers {
			s = others[(i-scavengers)%len(others)]
		}
		name := fmt.Sprintf("Bot %d", i+1)
		if i < len(botNames) {
			name = botNames[i]
		}
		out = append(out, Profile{Name: name, Personality: personality(r, s)})
	}
	return out
}

func personality(r *rand.Rand, s Strategy) model.Personality {
	base := map[Strategy][2]float64{ // risk, concentration
		Scavenger: {0.1, 0.2},
		CEO:       {0.7, 0.9},
		Low:       {0.2, 0.3},
		High:      {0.8, 0.5},
		Default:   {0.5, 0.5},
	}[s]
	jitter := func() float64 { return (r.Float64() - 0.5) * 0.2 }
	return model.Personality{
		Strategy:      string(s),
		RiskTolerance: clamp01(base[0] + jitter()),
		Concentration: clamp01(base[1] + jitter()),
		BidMultiplier: 0.95 + r.Float64()*0.1,
	}
}
