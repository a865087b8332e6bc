package game_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/game"
	"github.com/lemonstand/market-engine/internal/model"
	"github.com/lemonstand/market-engine/internal/orderbook"
	"github.com/lemonstand/market-engine/internal/store"
)

const sunny = "sunny-squeeze"

// newTestEnv creates a Service over a fresh session with an in-memory store
// and a chi router mounted at /api/v1.
func newTestEnv(t *testing.T) (*game.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	session, err := game.NewSession([]string{"Sunny Squeeze", "Tart Tonic"}, 1000, game.Options{
		StartingCash: decimal.NewFromInt(10000),
		FloorPrice:   decimal.NewFromInt(1),
		BotCount:     6,
		BotSeed:      11,
		MarketMaker:  orderbook.DefaultMarketMakerConfig(),
		Clock:        func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ms := store.NewMemoryStore()
	svc := game.NewService(session, ms, nil, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return svc, ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func join(t *testing.T, router chi.Router, name string) model.Participant {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/participants", game.JoinRequest{Name: name})
	if w.Code != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode[model.Participant](t, w)
}

// --- Participants ---

func TestJoin(t *testing.T) {
	_, _, router := newTestEnv(t)

	p := join(t, router, "Alice")
	if p.ID == "" || !p.IsHuman {
		t.Errorf("unexpected participant %+v", p)
	}

	w := do(t, router, "GET", "/api/v1/participants/"+p.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/participants", nil)
	all := decode[[]model.Participant](t, w)
	if len(all) != 7 {
		t.Errorf("expected 6 bots and alice, got %d", len(all))
	}
}

func TestJoin_BadRequests(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/participants", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/participants", game.JoinRequest{Name: ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank name: expected 400, got %d", w.Code)
	}
}

// --- Full game flow ---

func TestGameFlow(t *testing.T) {
	_, ms, router := newTestEnv(t)
	alice := join(t, router, "Alice")

	w := do(t, router, "POST", "/api/v1/ipo/bids", model.Bid{
		ParticipantID: alice.ID,
		CompanyID:     sunny,
		Shares:        300,
		Price:         decimal.NewFromInt(5),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("bid: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/ipo/"+sunny+"/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run ipo: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rec, err := ms.GetIPO(context.Background(), sunny)
	if err != nil {
		t.Fatalf("ipo not persisted: %v", err)
	}
	if rec.SharesIssued != 1000 || len(rec.Allocations) == 0 {
		t.Errorf("unexpected ipo record %+v", rec)
	}

	w = do(t, router, "POST", "/api/v1/ipo/"+sunny+"/run", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second clearing: expected 409, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/ipo/run", nil)
	runAll := decode[game.IPORunResponse](t, w)
	if len(runAll.Results) != 1 || runAll.Results[0].CompanyID != "tart-tonic" {
		t.Errorf("expected only tart-tonic to clear, got %+v", runAll)
	}

	if w := do(t, router, "POST", "/api/v1/trading/open", nil); w.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/orders", orderbook.OrderRequest{
		ParticipantID: alice.ID,
		CompanyID:     sunny,
		Side:          model.SideSell,
		Kind:          model.OrderKindMarket,
		Shares:        10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("order: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[orderbook.SubmitResult](t, w)
	if len(res.Trades) == 0 {
		t.Fatal("expected the market sell to fill against the market maker")
	}

	w = do(t, router, "GET", "/api/v1/companies/"+sunny+"/history", nil)
	history := decode[[]model.TradeRecord](t, w)
	if len(history) != len(res.Trades) {
		t.Errorf("expected %d persisted trades, got %d", len(res.Trades), len(history))
	}

	w = do(t, router, "GET", "/api/v1/participants/"+alice.ID+"/trades", nil)
	if mine := decode[[]model.TradeRecord](t, w); len(mine) != len(res.Trades) || mine[0].SellerID != alice.ID {
		t.Errorf("expected alice's sells in her trade history, got %+v", mine)
	}

	w = do(t, router, "GET", "/api/v1/ipo/results", nil)
	if ipos := decode[[]model.IPORecord](t, w); len(ipos) != 2 {
		t.Errorf("expected 2 ipo records, got %d", len(ipos))
	}

	w = do(t, router, "GET", "/api/v1/ledger/"+alice.ID, nil)
	sum := decode[model.LedgerSummary](t, w)
	if len(sum.Holdings) != 1 || sum.Holdings[0].Shares != 290 {
		t.Errorf("expected 290 sunny shares, got %+v", sum.Holdings)
	}

	w = do(t, router, "GET", "/api/v1/companies/"+sunny+"/market?depth=3", nil)
	md := decode[model.MarketData](t, w)
	if md.LastTrade == nil || md.MarketMaker.Bid.IsZero() {
		t.Errorf("expected a last trade and a market maker bid, got %+v", md)
	}

	w = do(t, router, "POST", "/api/v1/bots/tick", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tick: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "GET", "/api/v1/leaderboard", nil)
	board := decode[[]model.LedgerSummary](t, w)
	if len(board) != 7 {
		t.Errorf("expected 7 ranked participants, got %d", len(board))
	}

	if w := do(t, router, "POST", "/api/v1/trading/close", nil); w.Code != http.StatusOK {
		t.Errorf("close: expected 200, got %d", w.Code)
	}
	w = do(t, router, "GET", "/api/v1/state", nil)
	if state := decode[game.StateResponse](t, w); state.Phase != game.PhaseClosed {
		t.Errorf("expected closed, got %s", state.Phase)
	}
}

func TestCancelOrder(t *testing.T) {
	_, _, router := newTestEnv(t)
	alice := join(t, router, "Alice")
	do(t, router, "POST", "/api/v1/ipo/run", nil)
	do(t, router, "POST", "/api/v1/trading/open", nil)

	// A bid well under the market maker's rests on the book.
	w := do(t, router, "POST", "/api/v1/orders", orderbook.OrderRequest{
		ParticipantID: alice.ID,
		CompanyID:     sunny,
		Side:          model.SideBuy,
		Kind:          model.OrderKindLimit,
		Shares:        10,
		Price:         decimal.RequireFromString("0.50"),
	})
	res := decode[orderbook.SubmitResult](t, w)
	if !res.Resting {
		t.Fatalf("expected the bid to rest, got %+v", res)
	}

	w = do(t, router, "GET", "/api/v1/participants/"+alice.ID+"/orders", nil)
	if open := decode[[]model.Order](t, w); len(open) != 1 {
		t.Errorf("expected 1 open order, got %d", len(open))
	}

	w = do(t, router, "DELETE", "/api/v1/orders/"+res.Order.ID, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing participant: expected 400, got %d", w.Code)
	}
	w = do(t, router, "DELETE", "/api/v1/orders/"+res.Order.ID+"?participant_id="+alice.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "DELETE", "/api/v1/orders/"+res.Order.ID+"?participant_id="+alice.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second cancel: expected 404, got %d", w.Code)
	}
}

// --- Error mapping ---

func TestErrorStatuses(t *testing.T) {
	_, _, router := newTestEnv(t)
	alice := join(t, router, "Alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"order before trading", "POST", "/api/v1/orders", orderbook.OrderRequest{
			ParticipantID: alice.ID, CompanyID: sunny, Side: model.SideBuy, Shares: 1, Price: decimal.NewFromInt(1),
		}, http.StatusConflict},
		{"open from lobby", "POST", "/api/v1/trading/open", nil, http.StatusConflict},
		{"tick before trading", "POST", "/api/v1/bots/tick", nil, http.StatusConflict},
		{"unknown ledger", "GET", "/api/v1/ledger/nobody", nil, http.StatusNotFound},
		{"unknown participant", "GET", "/api/v1/participants/nobody", nil, http.StatusNotFound},
		{"unknown company market", "GET", "/api/v1/companies/lime-time/market", nil, http.StatusNotFound},
		{"bad depth", "GET", "/api/v1/companies/" + sunny + "/market?depth=abc", nil, http.StatusBadRequest},
		{"unknown company ipo", "POST", "/api/v1/ipo/lime-time/run", nil, http.StatusNotFound},
		{"bid for bot", "POST", "/api/v1/ipo/bids", model.Bid{
			ParticipantID: "bot-1", CompanyID: sunny, Shares: 10, Price: decimal.NewFromInt(2),
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestQueriesBeforeIPO(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/companies", nil)
	companies := decode[[]model.Company](t, w)
	if len(companies) != 2 || companies[0].IPOComplete {
		t.Errorf("unexpected companies %+v", companies)
	}

	w = do(t, router, "GET", "/api/v1/companies/"+sunny+"/market", nil)
	if w.Code != http.StatusOK {
		t.Errorf("market data before ipo: expected 200, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/companies/"+sunny+"/history", nil)
	if history := decode[[]model.TradeRecord](t, w); len(history) != 0 {
		t.Errorf("expected empty history, got %d", len(history))
	}

	w = do(t, router, "GET", "/api/v1/ceos", nil)
	if ceos := decode[map[string]string](t, w); len(ceos) != 0 {
		t.Errorf("expected no ceos before the ipo, got %v", ceos)
	}
}
