package orderbook

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/lemonstand/market-engine/internal/company"
	"github.com/lemonstand/market-engine/internal/ledger"
	"github.com/lemonstand/market-engine/internal/model"
)

const (
	sunny = "sunny-squeeze"
	tart  = "tart-tonic"
)

var fixedNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// tb is the subset of testing.TB that *rapid.T also satisfies.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type fixture struct {
	x   *Exchange
	reg *company.Registry
	l   *ledger.Ledger
}

// newFixture lists two companies whose IPOs cleared at 2.00 and opens
// trading. holdings seeds shares in sunny at the IPO price.
func newFixture(t tb, cash map[string]float64, holdings map[string]int64) fixture {
	t.Helper()
	reg, err := company.NewRegistry([]string{"Sunny Squeeze", "Tart Tonic"}, 1000)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, id := range reg.IDs() {
		if err := reg.CompleteIPO(id, d(2), 1000); err != nil {
			t.Fatalf("complete ipo: %v", err)
		}
	}
	l := ledger.New(reg, ledger.Options{})
	for id, c := range cash {
		if _, err := l.InitializeParticipant(id, id, false, d(c)); err != nil {
			t.Fatalf("init %s: %v", id, err)
		}
	}
	for id, n := range holdings {
		if _, err := l.RecordPurchase(id, sunny, n, d(2)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	x := NewExchange(l, reg, DefaultMarketMakerConfig(), func() time.Time { return fixedNow }, nil)
	x.Open()
	return fixture{x: x, reg: reg, l: l}
}

func limit(who, companyID string, side model.Side, shares int64, price float64) OrderRequest {
	return OrderRequest{
		ParticipantID: who,
		CompanyID:     companyID,
		Side:          side,
		Kind:          model.OrderKindLimit,
		Shares:        shares,
		Price:         d(price),
	}
}

func market(who, companyID string, side model.Side, shares int64) OrderRequest {
	return OrderRequest{
		ParticipantID: who,
		CompanyID:     companyID,
		Side:          side,
		Kind:          model.OrderKindMarket,
		Shares:        shares,
	}
}

func TestMatchPass_TradesAtMidpoint(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000, "bob": 1000}, map[string]int64{"bob": 100})
	b := newBook(sunny, newMarketMaker(DefaultMarketMakerConfig()))

	b.insert(restingOrder("buy", "alice", model.SideBuy, 50, 2.60))
	b.insert(restingOrder("sell", "bob", model.SideSell, 50, 2.40))
	trades := f.x.matchPass(b)

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if !tr.Price.Equal(d(2.5)) || tr.Shares != 50 {
		t.Errorf("expected 50 @ 2.50, got %d @ %s", tr.Shares, tr.Price)
	}
	if tr.BuyerID != "alice" || tr.SellerID != "bob" {
		t.Errorf("unexpected counterparties: %+v", tr)
	}
	if len(b.index) != 0 {
		t.Errorf("filled orders must leave the book, %d remain", len(b.index))
	}
	if cash, _ := f.l.Cash("alice"); !cash.Equal(d(875)) {
		t.Errorf("expected alice cash 875, got %s", cash)
	}
	if p, _ := f.reg.CurrentPrice(sunny); !p.Equal(d(2.5)) {
		t.Errorf("expected current price 2.50, got %s", p)
	}
}

func TestMatchPass_PartialFillLeavesRemainder(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000, "bob": 1000}, map[string]int64{"bob": 100})
	b := newBook(sunny, newMarketMaker(DefaultMarketMakerConfig()))

	b.insert(restingOrder("buy", "alice", model.SideBuy, 30, 2.00))
	b.insert(restingOrder("sell", "bob", model.SideSell, 80, 2.00))
	trades := f.x.matchPass(b)

	if len(trades) != 1 || trades[0].Shares != 30 {
		t.Fatalf("expected one 30-share trade, got %+v", trades)
	}
	e, ok := b.index["sell"]
	if !ok || e.Order.Remaining != 50 {
		t.Errorf("expected 50 shares left resting on the sell, got %+v", e.Order)
	}
}

func TestSubmitOrder_LimitCrossesRestingOrder(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000, "bob": 1000}, map[string]int64{"bob": 100})

	first, err := f.x.SubmitOrder(limit("alice", sunny, model.SideBuy, 10, 2.00))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !first.Resting || len(first.Trades) != 0 {
		t.Fatalf("expected the buy to rest inside the quote, got %+v", first)
	}

	res, err := f.x.SubmitOrder(limit("bob", sunny, model.SideSell, 10, 2.00))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	// The market maker's bid was lifted above 2.00 by alice's buy pressure,
	// so bob hits it before reaching alice.
	if len(res.Trades) == 0 {
		t.Fatal("expected the sell to trade")
	}
	if res.Resting {
		t.Error("a fully filled order must not rest")
	}
	if got := f.l.GetTotalShares("bob", sunny); got != 90 {
		t.Errorf("expected bob to hold 90, got %d", got)
	}
}

func TestSubmitOrder_MarketOrderDoesNotPersist(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000}, nil)

	res, err := f.x.SubmitOrder(market("alice", sunny, model.SideBuy, 150))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected one fill against the market maker, got %+v", res.Trades)
	}
	tr := res.Trades[0]
	if tr.SellerID != MarketMakerID || tr.Shares != 100 || !tr.Price.Equal(d(2.04)) {
		t.Errorf("expected 100 @ 2.04 from the market maker, got %+v", tr)
	}
	if res.Resting || res.Order.Remaining != 50 {
		t.Errorf("expected 50 discarded and nothing resting, got %+v", res)
	}
	if open := f.x.OpenOrders("alice"); len(open) != 0 {
		t.Errorf("market orders never rest, found %+v", open)
	}
	if cash, _ := f.l.Cash("alice"); !cash.Equal(d(796)) {
		t.Errorf("expected cash 796, got %s", cash)
	}
}

func TestSubmitOrder_MarketBuyNeedsCash(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1}, nil)

	_, err := f.x.SubmitOrder(market("alice", sunny, model.SideBuy, 10))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSubmitOrder_MarketMakerIsNotAccounted(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000}, map[string]int64{"alice": 100})

	if _, err := f.x.SubmitOrder(market("alice", sunny, model.SideSell, 40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.l.Has(MarketMakerID) {
		t.Error("the market maker must not have a ledger entry")
	}
	if got := len(f.l.Summaries()); got != 1 {
		t.Errorf("expected only alice in the ledger, got %d entries", got)
	}
	if got := f.l.GetTotalShares("alice", sunny); got != 60 {
		t.Errorf("expected alice to hold 60, got %d", got)
	}
}

func TestSubmitOrder_Rejections(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 100, "bob": 1000}, map[string]int64{"bob": 10})

	cases := []struct {
		name string
		req  OrderRequest
		want error
	}{
		{"unknown participant", limit("ghost", sunny, model.SideBuy, 1, 2), ledger.ErrUnknownParticipant},
		{"market maker identity", limit(MarketMakerID, sunny, model.SideBuy, 1, 2), ledger.ErrUnknownParticipant},
		{"unknown company", limit("alice", "nope", model.SideBuy, 1, 2), company.ErrUnknownCompany},
		{"zero shares", limit("alice", sunny, model.SideBuy, 0, 2), ErrInvalidOrder},
		{"zero price", limit("alice", sunny, model.SideBuy, 1, 0), ErrInvalidOrder},
		{"bad side", limit("alice", sunny, "hold", 1, 2), ErrInvalidOrder},
		{"cash short", limit("alice", sunny, model.SideBuy, 60, 2), ledger.ErrInsufficientFunds},
		{"shares short", limit("bob", sunny, model.SideSell, 11, 2), ledger.ErrInsufficientShares},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.x.SubmitOrder(tc.req); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSubmitOrder_RestingSellsCountAgainstHolding(t *testing.T) {
	f := newFixture(t, map[string]float64{"bob": 1000}, map[string]int64{"bob": 10})

	if _, err := f.x.SubmitOrder(limit("bob", sunny, model.SideSell, 8, 5)); err != nil {
		t.Fatalf("first sell: %v", err)
	}
	_, err := f.x.SubmitOrder(limit("bob", sunny, model.SideSell, 5, 5))
	if !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestSubmitOrder_TradingClosed(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000}, nil)
	f.x.Close()

	if _, err := f.x.SubmitOrder(limit("alice", sunny, model.SideBuy, 1, 2)); !errors.Is(err, ErrTradingClosed) {
		t.Errorf("expected ErrTradingClosed, got %v", err)
	}
}

func TestSubmitOrder_RequiresCompletedIPO(t *testing.T) {
	reg, _ := company.NewRegistry([]string{"Sunny Squeeze"}, 1000)
	l := ledger.New(reg, ledger.Options{})
	_, _ = l.InitializeParticipant("alice", "alice", false, d(1000))
	x := NewExchange(l, reg, DefaultMarketMakerConfig(), nil, nil)
	x.Open()

	if _, err := x.SubmitOrder(limit("alice", sunny, model.SideBuy, 1, 2)); !errors.Is(err, ErrTradingClosed) {
		t.Errorf("expected ErrTradingClosed before the ipo, got %v", err)
	}
	md, err := x.GetMarketData(sunny, 5)
	if err != nil {
		t.Fatalf("market data: %v", err)
	}
	if len(md.Bids) != 0 || len(md.Asks) != 0 {
		t.Errorf("expected an empty book before the ipo, got %+v", md)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000, "bob": 1000}, nil)

	res, err := f.x.SubmitOrder(limit("alice", sunny, model.SideBuy, 10, 1.50))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := res.Order.ID

	if _, err := f.x.CancelOrder("bob", id); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("only the owner may cancel, got %v", err)
	}
	o, err := f.x.CancelOrder("alice", id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Remaining != 10 {
		t.Errorf("expected 10 remaining on the cancelled order, got %d", o.Remaining)
	}
	if _, err := f.x.CancelOrder("alice", id); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("second cancel must fail, got %v", err)
	}
	if open := f.x.OpenOrders("alice"); len(open) != 0 {
		t.Errorf("expected no open orders, got %+v", open)
	}
}

func TestSubmitOrder_CashCommittedAcrossCompanies(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000}, nil)

	sun, err := f.x.SubmitOrder(limit("alice", sunny, model.SideBuy, 500, 1.90))
	if err != nil || !sun.Resting {
		t.Fatalf("sunny buy: %+v %v", sun, err)
	}
	if got := f.x.committedCash("alice"); !got.Equal(d(950)) {
		t.Fatalf("expected 950 committed, got %s", got)
	}

	_, err = f.x.SubmitOrder(limit("alice", tart, model.SideBuy, 500, 1.90))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected the tart buy to be declined, got %v", err)
	}
	if open := f.x.OpenOrders("alice"); len(open) != 1 {
		t.Errorf("a declined order must not rest, got %+v", open)
	}

	// What is left over is still usable.
	if _, err := f.x.SubmitOrder(limit("alice", tart, model.SideBuy, 26, 1.90)); err != nil {
		t.Fatalf("small tart buy: %v", err)
	}
	if _, err := f.x.SubmitOrder(market("alice", tart, model.SideBuy, 10)); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("expected a market buy with 0.60 free to be declined, got %v", err)
	}

	// Cancelling hands the commitment back.
	if _, err := f.x.CancelOrder("alice", sun.Order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.x.committedCash("alice"); !got.Equal(d(49.4)) {
		t.Errorf("expected 49.40 committed after cancel, got %s", got)
	}
	if _, err := f.x.SubmitOrder(limit("alice", tart, model.SideBuy, 500, 1.90)); err != nil {
		t.Errorf("expected the freed cash to fund the tart buy, got %v", err)
	}
}

func TestSubmitOrder_FillsReleaseCommitment(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000, "bob": 1000}, map[string]int64{"bob": 100})

	if _, err := f.x.SubmitOrder(limit("alice", sunny, model.SideBuy, 100, 1.90)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := f.x.SubmitOrder(limit("bob", sunny, model.SideSell, 100, 1.90))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	var bought int64
	for _, tr := range res.Trades {
		if tr.BuyerID == "alice" {
			bought += tr.Shares
		}
	}
	want := d(1.90).Mul(decimal.NewFromInt(100 - bought))
	if got := f.x.committedCash("alice"); !got.Equal(want) {
		t.Errorf("expected %s still committed after %d filled, got %s", want, bought, got)
	}
}

func TestSubmitOrder_StaleRestingOrderDroppedAtSettlement(t *testing.T) {
	f := newFixture(t,
		map[string]float64{"alice": 290, "bob": 1000},
		map[string]int64{"bob": 150},
	)

	rest, err := f.x.SubmitOrder(limit("alice", sunny, model.SideBuy, 100, 1.90))
	if err != nil || !rest.Resting {
		t.Fatalf("resting buy: %+v %v", rest, err)
	}
	// Cash spent outside the exchange leaves the resting buy unfunded.
	if _, err := f.l.RecordPurchase("alice", tart, 100, d(2.04)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if cash, _ := f.l.Cash("alice"); !cash.Equal(d(86)) {
		t.Fatalf("expected alice cash 86, got %s", cash)
	}

	res, err := f.x.SubmitOrder(limit("bob", sunny, model.SideSell, 150, 1.90))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].BuyerID != MarketMakerID {
		t.Fatalf("expected only the market maker fill, got %+v", res.Trades)
	}
	if !res.Resting || res.Order.Remaining != 50 {
		t.Errorf("expected 50 of bob's shares to rest, got %+v", res)
	}
	if open := f.x.OpenOrders("alice"); len(open) != 0 {
		t.Errorf("alice's unfunded order must be dropped, got %+v", open)
	}
	if got := f.x.committedCash("alice"); !got.IsZero() {
		t.Errorf("a dropped order must release its commitment, got %s", got)
	}
	if cash, _ := f.l.Cash("alice"); !cash.Equal(d(86)) {
		t.Errorf("alice's cash must be untouched, got %s", cash)
	}
}

func TestGetMarketData(t *testing.T) {
	f := newFixture(t, map[string]float64{"alice": 1000}, nil)

	if _, err := f.x.SubmitOrder(market("alice", sunny, model.SideBuy, 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	md, err := f.x.GetMarketData(sunny, 3)
	if err != nil {
		t.Fatalf("market data: %v", err)
	}
	if !md.IPOClearingPrice.Equal(d(2)) || !md.CurrentPrice.Equal(d(2.04)) {
		t.Errorf("unexpected prices: ipo %s current %s", md.IPOClearingPrice, md.CurrentPrice)
	}
	if md.LastTrade == nil || md.LastTrade.Shares != 10 {
		t.Errorf("expected last trade of 10, got %+v", md.LastTrade)
	}
	if len(md.Bids) != 1 || len(md.Asks) != 1 {
		t.Fatalf("expected only the market maker's two levels, got %+v / %+v", md.Bids, md.Asks)
	}
	if !md.MarketMaker.Bid.Equal(md.Bids[0].Price) || !md.MarketMaker.Ask.Equal(md.Asks[0].Price) {
		t.Errorf("quote %+v does not match top of book", md.MarketMaker)
	}
	if md.MarketMaker.AskShares != 90 {
		t.Errorf("expected 90 left on the ask, got %d", md.MarketMaker.AskShares)
	}
}

// After every submission the book is uncrossed and nobody's cash is
// negative.
func TestProperty_BookStaysUncrossed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		who := []string{"p1", "p2", "p3"}
		f := newFixture(t,
			map[string]float64{"p1": 5000, "p2": 5000, "p3": 5000},
			map[string]int64{"p1": 200, "p2": 200, "p3": 200},
		)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			req := OrderRequest{
				ParticipantID: rapid.SampledFrom(who).Draw(t, "who"),
				CompanyID:     sunny,
				Side:          rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, "side"),
				Kind:          rapid.SampledFrom([]model.OrderKind{model.OrderKindLimit, model.OrderKindMarket}).Draw(t, "kind"),
				Shares:        rapid.Int64Range(1, 80).Draw(t, "shares"),
				Price:         d(float64(rapid.IntRange(150, 250).Draw(t, "cents")) / 100),
			}
			_, _ = f.x.SubmitOrder(req)

			md, err := f.x.GetMarketData(sunny, 1)
			if err != nil {
				t.Fatalf("market data: %v", err)
			}
			if len(md.Bids) > 0 && len(md.Asks) > 0 && !md.Bids[0].Price.LessThan(md.Asks[0].Price) {
				t.Fatalf("crossed book: bid %s ask %s", md.Bids[0].Price, md.Asks[0].Price)
			}
			for _, p := range who {
				if cash, _ := f.l.Cash(p); cash.IsNegative() {
					t.Fatalf("%s cash negative: %s", p, cash)
				}
			}
		}
	})
}

// Across both companies, the commitment always equals the resting buys and
// never exceeds cash, so no accepted order is dropped for lack of funds.
func TestProperty_CommitmentCoversRestingBuys(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		who := []string{"p1", "p2"}
		f := newFixture(t,
			map[string]float64{"p1": 800, "p2": 800},
			map[string]int64{"p1": 200, "p2": 200},
		)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			pid := rapid.SampledFrom(who).Draw(t, "who")
			if rapid.IntRange(0, 9).Draw(t, "cancel") == 0 {
				if open := f.x.OpenOrders(pid); len(open) > 0 {
					_, _ = f.x.CancelOrder(pid, open[0].ID)
				}
				continue
			}
			req := OrderRequest{
				ParticipantID: pid,
				CompanyID:     rapid.SampledFrom([]string{sunny, tart}).Draw(t, "company"),
				Side:          rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, "side"),
				Kind:          rapid.SampledFrom([]model.OrderKind{model.OrderKindLimit, model.OrderKindMarket}).Draw(t, "kind"),
				Shares:        rapid.Int64Range(1, 300).Draw(t, "shares"),
				Price:         d(float64(rapid.IntRange(150, 250).Draw(t, "cents")) / 100),
			}
			_, _ = f.x.SubmitOrder(req)

			for _, p := range who {
				want := decimal.Zero
				for _, o := range f.x.OpenOrders(p) {
					if o.Side == model.SideBuy {
						want = want.Add(o.Price.Mul(decimal.NewFromInt(o.Remaining)))
					}
				}
				got := f.x.committedCash(p)
				if !got.Equal(want) {
					t.Fatalf("%s committed %s, resting buys need %s", p, got, want)
				}
				if cash, _ := f.l.Cash(p); got.GreaterThan(cash) {
					t.Fatalf("%s committed %s with only %s cash", p, got, cash)
				}
			}
		}
	})
}
