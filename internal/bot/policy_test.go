package bot

import (
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/lemonstand/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5eed))
}

var lemonCo = model.Company{ID: "sunny-squeeze", Name: "Sunny Squeeze", Shares: 1000}

func TestLadder(t *testing.T) {
	if len(Ladder) != 9 {
		t.Fatalf("expected 9 rungs, got %d", len(Ladder))
	}
	if !Ladder[0].Equal(d(1)) || !Ladder[8].Equal(d(3)) || !Ladder[1].Equal(d(1.25)) {
		t.Errorf("unexpected ladder %v", Ladder)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies() {
		got, err := ParseStrategy(string(s))
		if err != nil || got != s {
			t.Errorf("%s: got %q, %v", s, got, err)
		}
	}
	if _, err := ParseStrategy("yolo"); err == nil {
		t.Error("expected an error for an unknown strategy")
	}
	if p := ParamsFor("yolo"); p != params[Default] {
		t.Error("unknown strategies must fall back to default params")
	}
}

func TestDecideBid_ScavengerAlwaysBidsBlockAtFloor(t *testing.T) {
	p := model.Personality{Strategy: string(Scavenger), RiskTolerance: 0.9, BidMultiplier: 1.3}
	for seed := uint64(0); seed < 200; seed++ {
		b, ok := DecideBid(seeded(seed), p, lemonCo, d(1), d(10000))
		if !ok {
			t.Fatalf("seed %d: scavenger skipped a company", seed)
		}
		if b.Shares != ScavengerShares || !b.Price.Equal(d(1)) || b.CompanyID != lemonCo.ID {
			t.Fatalf("seed %d: expected 250 @ 1.00, got %+v", seed, b)
		}
	}
}

func TestDecideBid_ScavengerCappedByCash(t *testing.T) {
	p := model.Personality{Strategy: string(Scavenger)}
	b, ok := DecideBid(seeded(1), p, lemonCo, d(1), d(100))
	if !ok || b.Shares != 100 {
		t.Errorf("expected 100 affordable shares, got %+v ok=%v", b, ok)
	}
	if _, ok := DecideBid(seeded(1), p, lemonCo, d(1), d(0.5)); ok {
		t.Error("a bot that cannot afford one share must not bid")
	}
}

func TestDecideBid_CEOSizing(t *testing.T) {
	p := model.Personality{Strategy: string(CEO), RiskTolerance: 0.7, Concentration: 0.9, BidMultiplier: 1}
	bids := 0
	for seed := uint64(0); seed < 300; seed++ {
		b, ok := DecideBid(seeded(seed), p, lemonCo, d(1), d(10000))
		if !ok {
			continue
		}
		bids++
		if b.Shares < 200 || b.Shares > 800 {
			t.Fatalf("seed %d: ceo bid %d shares, want 200..800", seed, b.Shares)
		}
		if b.Price.LessThan(Ladder[5]) || b.Price.GreaterThan(Ladder[8]) {
			t.Fatalf("seed %d: ceo bid price %s outside the upper ladder", seed, b.Price)
		}
	}
	// Participation is probabilistic, neither always nor never.
	if bids == 0 || bids == 300 {
		t.Errorf("expected partial participation, got %d of 300", bids)
	}
}

func TestDecideBid_Deterministic(t *testing.T) {
	p := model.Personality{Strategy: string(High), RiskTolerance: 0.8, Concentration: 0.5, BidMultiplier: 1.02}
	a, okA := DecideBid(seeded(42), p, lemonCo, d(1), d(5000))
	b, okB := DecideBid(seeded(42), p, lemonCo, d(1), d(5000))
	if okA != okB || a.Shares != b.Shares || !a.Price.Equal(b.Price) {
		t.Errorf("same seed produced %+v and %+v", a, b)
	}
}

func TestDecideTrade_IdleWithoutCashOrShares(t *testing.T) {
	p := model.Personality{Strategy: string(High), RiskTolerance: 1}
	m := MarketView{CompanyID: "c", CurrentPrice: d(2), IPOPrice: d(2), TotalShares: 1000}
	for seed := uint64(0); seed < 100; seed++ {
		if in, ok := DecideTrade(seeded(seed), p, m, d(1), 0); ok {
			t.Fatalf("seed %d: expected no trade, got %+v", seed, in)
		}
	}
}

func TestDecideTrade_CEOKeepsControllingStake(t *testing.T) {
	p := model.Personality{Strategy: string(CEO), RiskTolerance: 0.5, Concentration: 0.9}
	m := MarketView{CompanyID: "c", CurrentPrice: d(2), IPOPrice: d(2), TotalShares: 1000}
	sells := 0
	for seed := uint64(0); seed < 300; seed++ {
		in, ok := DecideTrade(seeded(seed), p, m, d(1000), 400)
		if !ok || in.Side != model.SideSell {
			continue
		}
		sells++
		if in.Shares != 50 {
			t.Fatalf("seed %d: ceo may only sell the 50 shares above control, got %d", seed, in.Shares)
		}
	}
	if sells == 0 {
		t.Error("expected at least one sell")
	}
}

func TestDecideTrade_CEOBuysTowardControl(t *testing.T) {
	p := model.Personality{Strategy: string(CEO), RiskTolerance: 0.5, Concentration: 0.9}
	m := MarketView{CompanyID: "c", CurrentPrice: d(2), IPOPrice: d(2), TotalShares: 1000}
	for seed := uint64(0); seed < 300; seed++ {
		in, ok := DecideTrade(seeded(seed), p, m, d(10000), 0)
		if !ok {
			continue
		}
		if in.Side != model.SideBuy || in.Shares != 350 {
			t.Fatalf("seed %d: expected a 350-share buy, got %+v", seed, in)
		}
	}
}

func TestRequiredScavengers(t *testing.T) {
	cases := []struct {
		name      string
		companies int
		shares    int64
		cash      float64
		want      int
	}{
		{"plenty of cash", 5, 1000, 10000, 5},
		{"cash covers four blocks", 5, 1000, 1000, 7},
		{"single company", 1, 1000, 10000, 5},
		{"small float", 3, 200, 10000, 1},
		{"no companies", 0, 1000, 10000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RequiredScavengers(tc.companies, tc.shares, d(tc.cash), d(1)); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestRoster(t *testing.T) {
	r := seeded(7)
	bots := Roster(r, 7, 5)
	if len(bots) != 7 {
		t.Fatalf("expected 7 bots, got %d", len(bots))
	}
	for i := 0; i < 5; i++ {
		if bots[i].Personality.Strategy != string(Scavenger) {
			t.Errorf("bot %d: expected scavenger, got %s", i, bots[i].Personality.Strategy)
		}
	}
	if bots[5].Personality.Strategy != string(CEO) || bots[6].Personality.Strategy != string(High) {
		t.Errorf("unexpected strategy mix: %s, %s", bots[5].Personality.Strategy, bots[6].Personality.Strategy)
	}
	if got := len(Roster(r, 2, 5)); got != 5 {
		t.Errorf("roster must be raised to the scavenger minimum, got %d", got)
	}
}

// Whatever the personality, a bid never costs more than the bot's cash and
// never sits below the floor.
func TestProperty_BidsAreAffordable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.SampledFrom(Strategies()).Draw(t, "strategy")
		p := model.Personality{
			Strategy:      string(s),
			RiskTolerance: rapid.Float64Range(0, 1).Draw(t, "risk"),
			Concentration: rapid.Float64Range(0, 1).Draw(t, "concentration"),
			BidMultiplier: rapid.Float64Range(0.5, 1.5).Draw(t, "multiplier"),
		}
		cash := decimal.NewFromInt(rapid.Int64Range(0, 20000).Draw(t, "cash"))
		floor := d(1)

		b, ok := DecideBid(seeded(rapid.Uint64().Draw(t, "seed")), p, lemonCo, floor, cash)
		if !ok {
			return
		}
		if b.Shares <= 0 {
			t.Fatalf("non-positive bid size %d", b.Shares)
		}
		if b.Price.LessThan(floor) {
			t.Fatalf("bid price %s below floor", b.Price)
		}
		if cost := b.Price.Mul(decimal.NewFromInt(b.Shares)); cost.GreaterThan(cash) {
			t.Fatalf("bid cost %s exceeds cash %s", cost, cash)
		}
	})
}
