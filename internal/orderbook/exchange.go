// Package orderbook runs continuous trading: per-company price-time
// priority queues, a matching pass that crosses the best buy and sell at
// their midpoint, immediate market orders that walk the book at resting
// prices, and a synthetic market maker that keeps both sides quoted.
//
// Settlement ordering: every match is booked in the ledger synchronously,
// before the next match is considered and before the caller receives the
// trade list.
package orderbook

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/company"
	"github.com/lemonstand/market-engine/internal/ledger"
	"github.com/lemonstand/market-engine/internal/metrics"
	"github.com/lemonstand/market-engine/internal/model"
)

var (
	// ErrTradingClosed is returned when the trading window is closed or the
	// company's IPO has not cleared.
	ErrTradingClosed = errors.New("orderbook: trading closed")

	// ErrOrderNotFound is returned when cancelling an order that is not
	// resting (filled, cancelled, or never existed).
	ErrOrderNotFound = errors.New("orderbook: order not found")

	// ErrInvalidOrder is returned for malformed orders.
	ErrInvalidOrder = errors.New("orderbook: invalid order")
)

// Ledger is the accounting surface trades settle against.
type Ledger interface {
	Has(participantID string) bool
	Cash(participantID string) (decimal.Decimal, error)
	GetTotalShares(participantID, companyID string) int64
	Settle(t model.Trade) error
}

// Companies is the registry surface the exchange reads IPO state from and
// writes trade prices to.
type Companies interface {
	Get(companyID string) (model.Company, error)
	CurrentPrice(companyID string) (decimal.Decimal, bool)
	SetCurrentPrice(companyID string, price decimal.Decimal) error
}

// OrderRequest is a participant's trading intent.
type OrderRequest struct {
	ParticipantID string          `json:"participant_id"`
	CompanyID     string          `json:"company_id"`
	Side          model.Side      `json:"side"`
	Kind          model.OrderKind `json:"kind"`
	Shares        int64           `json:"shares"`
	Price         decimal.Decimal `json:"price"` // ignored for market orders
}

// SubmitResult is the fully resolved outcome of one submission. Resting is
// true when a limit remainder stays on the book.
type SubmitResult struct {
	Order   model.Order   `json:"order"`
	Trades  []model.Trade `json:"trades"`
	Resting bool          `json:"resting"`
}

// Exchange owns one Book per company.
type Exchange struct {
	ledger    Ledger
	companies Companies
	mmConfig  MarketMakerConfig
	now       func() time.Time
	log       *slog.Logger

	mu     sync.RWMutex
	books  map[string]*Book
	orders map[string]string // resting participant order id → company id
	open   bool

	// committed is limit price × remaining over each participant's resting
	// buys in every book. Cash is checked against it exchange-wide so the
	// same dollars are never promised to two companies.
	fundsMu   sync.Mutex
	committed map[string]decimal.Decimal
}

// NewExchange creates a closed exchange; call Open to start trading.
func NewExchange(l Ledger, companies Companies, mm MarketMakerConfig, clock func() time.Time, logger *slog.Logger) *Exchange {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		ledger:    l,
		companies: companies,
		mmConfig:  mm,
		now:       clock,
		log:       logger,
		books:     make(map[string]*Book),
		orders:    make(map[string]string),
		committed: make(map[string]decimal.Decimal),
	}
}

// Open starts the continuous trading window.
func (x *Exchange) Open() {
	x.mu.Lock()
	x.open = true
	x.mu.Unlock()
	x.log.Info("trading opened")
}

// Close stops accepting orders. Resting orders stay on the book.
func (x *Exchange) Close() {
	x.mu.Lock()
	x.open = false
	x.mu.Unlock()
	x.log.Info("trading closed")
}

// IsOpen reports whether orders are being accepted.
func (x *Exchange) IsOpen() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.open
}

// book returns the company's book, creating it and seeding the market
// maker's quotes on first use after the IPO.
func (x *Exchange) book(companyID string) (*Book, error) {
	c, err := x.companies.Get(companyID)
	if err != nil {
		return nil, err
	}
	if !c.IPOComplete {
		return nil, fmt.Errorf("%w: %s has not completed its ipo", ErrTradingClosed, companyID)
	}

	x.mu.RLock()
	b, ok := x.books[companyID]
	x.mu.RUnlock()
	if ok {
		return b, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if b, ok = x.books[companyID]; ok {
		return b, nil
	}
	b = newBook(companyID, newMarketMaker(x.mmConfig))
	b.mm.requote(b, c.CurrentPrice, x.now())
	x.books[companyID] = b
	return b, nil
}

func (x *Exchange) validate(req *OrderRequest) error {
	if !req.Side.Valid() {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	if req.Kind == "" {
		req.Kind = model.OrderKindLimit
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: kind must be market or limit", ErrInvalidOrder)
	}
	if req.Shares <= 0 {
		return fmt.Errorf("%w: shares must be positive", ErrInvalidOrder)
	}
	if req.Kind == model.OrderKindLimit {
		req.Price = req.Price.Round(2)
		if !req.Price.IsPositive() {
			return fmt.Errorf("%w: limit price must be at least 0.01", ErrInvalidOrder)
		}
	} else {
		req.Price = decimal.Zero
	}
	if req.ParticipantID == MarketMakerID || !x.ledger.Has(req.ParticipantID) {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownParticipant, req.ParticipantID)
	}
	if !x.IsOpen() {
		return ErrTradingClosed
	}
	return nil
}

// SubmitOrder validates and fully resolves one order: a limit order is
// inserted and matched to fixpoint, a market order walks the opposite side
// and any unfilled remainder is discarded.
func (x *Exchange) SubmitOrder(req OrderRequest) (SubmitResult, error) {
	start := time.Now()
	if err := x.validate(&req); err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return SubmitResult{}, err
	}
	b, err := x.book(req.CompanyID)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return SubmitResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := x.checkFunding(b, req); err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return SubmitResult{}, err
	}

	o := &model.Order{
		ID:            uuid.New().String(),
		ParticipantID: req.ParticipantID,
		CompanyID:     req.CompanyID,
		Side:          req.Side,
		Kind:          req.Kind,
		Shares:        req.Shares,
		Remaining:     req.Shares,
		Price:         req.Price,
		Timestamp:     x.now(),
	}

	var trades []model.Trade
	if o.Kind == model.OrderKindMarket {
		trades, err = x.executeMarket(b, o)
		if err != nil {
			metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
			return SubmitResult{}, err
		}
	} else {
		b.insert(o)
		trades = x.matchPass(b)
	}

	// Requote on the new price, then let the fresh quotes cross anything
	// they now reach. One requote per submission.
	b.mm.requote(b, x.anchor(b), x.now())
	trades = append(trades, x.matchPass(b)...)

	_, resting := b.index[o.ID]
	if resting {
		x.trackOrder(o.ID, b.companyID)
	}
	x.untrackFilled(b)

	metrics.OrderLatency.WithLabelValues(string(o.Kind)).Observe(time.Since(start).Seconds())
	x.log.Info("order resolved",
		"order_id", o.ID,
		"participant", o.ParticipantID,
		"company", o.CompanyID,
		"side", o.Side,
		"kind", o.Kind,
		"shares", o.Shares,
		"filled", o.Shares-o.Remaining,
		"trades", len(trades),
		"resting", resting,
	)
	return SubmitResult{Order: *o, Trades: trades, Resting: resting}, nil
}

// checkFunding rejects orders that cannot settle even in the best case:
// sells beyond the holding not already offered, and buys beyond the cash
// not already committed to resting buys in any company. An accepted limit
// buy commits its full cost before it touches the book.
func (x *Exchange) checkFunding(b *Book, req OrderRequest) error {
	if req.Side == model.SideSell {
		held := x.ledger.GetTotalShares(req.ParticipantID, req.CompanyID)
		offered := b.restingShares(model.SideSell, req.ParticipantID, "")
		if req.Shares > held-offered {
			return fmt.Errorf("%w: selling %d, %d available", ledger.ErrInsufficientShares, req.Shares, held-offered)
		}
		return nil
	}

	x.fundsMu.Lock()
	defer x.fundsMu.Unlock()
	available, err := x.availableLocked(req.ParticipantID)
	if err != nil {
		return err
	}
	if req.Kind == model.OrderKindMarket {
		if !available.IsPositive() {
			return fmt.Errorf("%w: no cash available", ledger.ErrInsufficientFunds)
		}
		return nil
	}
	cost := req.Price.Mul(decimal.NewFromInt(req.Shares))
	if cost.GreaterThan(available) {
		return fmt.Errorf("%w: cost %s exceeds available %s", ledger.ErrInsufficientFunds, cost, available)
	}
	x.committed[req.ParticipantID] = x.committed[req.ParticipantID].Add(cost)
	return nil
}

// availableLocked is cash minus every resting commitment. Must be called
// with fundsMu held.
func (x *Exchange) availableLocked(participantID string) (decimal.Decimal, error) {
	cash, err := x.ledger.Cash(participantID)
	if err != nil {
		return decimal.Zero, err
	}
	return cash.Sub(x.committed[participantID]), nil
}

// reserveUpTo commits cash for at most qty shares at price and returns how
// many shares it covered.
func (x *Exchange) reserveUpTo(participantID string, price decimal.Decimal, qty int64) int64 {
	x.fundsMu.Lock()
	defer x.fundsMu.Unlock()
	available, err := x.availableLocked(participantID)
	if err != nil || !available.IsPositive() {
		return 0
	}
	if affordable := available.Div(price).Floor().IntPart(); affordable < qty {
		qty = affordable
	}
	if qty > 0 {
		x.committed[participantID] = x.committed[participantID].Add(price.Mul(decimal.NewFromInt(qty)))
	}
	return qty
}

// release returns price × shares of a participant's commitment.
func (x *Exchange) release(participantID string, price decimal.Decimal, shares int64) {
	if participantID == MarketMakerID || shares <= 0 {
		return
	}
	x.fundsMu.Lock()
	defer x.fundsMu.Unlock()
	left := x.committed[participantID].Sub(price.Mul(decimal.NewFromInt(shares)))
	if left.IsPositive() {
		x.committed[participantID] = left
	} else {
		delete(x.committed, participantID)
	}
}

// committedCash reports what a participant has promised to resting buys.
func (x *Exchange) committedCash(participantID string) decimal.Decimal {
	x.fundsMu.Lock()
	defer x.fundsMu.Unlock()
	return x.committed[participantID]
}

// matchPass crosses the best buy and best sell at their midpoint until the
// book is uncrossed. Must be called with the book lock held.
func (x *Exchange) matchPass(b *Book) []model.Trade {
	var trades []model.Trade
	for {
		bb, okB := b.bestBid()
		ba, okA := b.bestAsk()
		if !okB || !okA || bb.Price.LessThan(ba.Price) {
			return trades
		}

		qty := min(bb.Order.Remaining, ba.Order.Remaining)
		price := bb.Price.Add(ba.Price).Div(two).Round(2)
		t, err := x.settle(b, bb.Order, ba.Order, qty, price)
		if err != nil {
			// A resting order whose owner can no longer pay or deliver is
			// stale; drop it and keep matching.
			x.dropFailed(b, err, bb.Order, ba.Order)
			continue
		}
		trades = append(trades, t)
	}
}

// executeMarket walks the opposite queue at each resting order's own price.
// Buys are capped by what the cash covers at each level.
func (x *Exchange) executeMarket(b *Book, o *model.Order) ([]model.Trade, error) {
	var trades []model.Trade
	for o.Remaining > 0 {
		var best bookEntry
		var ok bool
		if o.Side == model.SideBuy {
			best, ok = b.bestAsk()
		} else {
			best, ok = b.bestBid()
		}
		if !ok {
			break
		}

		qty := min(o.Remaining, best.Order.Remaining)
		if o.Side == model.SideBuy {
			qty = x.reserveUpTo(o.ParticipantID, best.Price, qty)
			if qty <= 0 {
				if len(trades) == 0 {
					return nil, fmt.Errorf("%w: cannot afford %s", ledger.ErrInsufficientFunds, best.Price)
				}
				break
			}
		}

		buy, sell := o, best.Order
		if o.Side == model.SideSell {
			buy, sell = best.Order, o
		}
		t, err := x.settle(b, buy, sell, qty, best.Price)
		if o.Side == model.SideBuy {
			x.release(o.ParticipantID, best.Price, qty)
		}
		if err != nil {
			var se *ledger.SettlementError
			if errors.As(err, &se) && se.ParticipantID == o.ParticipantID && se.Side == o.Side {
				if len(trades) == 0 {
					return nil, err
				}
				break
			}
			x.dropFailed(b, err, buy, sell)
			continue
		}
		trades = append(trades, t)
	}
	if o.Remaining > 0 {
		x.log.Debug("market order remainder discarded",
			"order_id", o.ID, "remaining", o.Remaining)
	}
	return trades, nil
}

// settle books one fill in the ledger, then updates both orders, the book,
// and the company's current price. Nothing changes if the ledger refuses.
func (x *Exchange) settle(b *Book, buy, sell *model.Order, qty int64, price decimal.Decimal) (model.Trade, error) {
	t := model.Trade{
		ID:          uuid.New().String(),
		CompanyID:   b.companyID,
		BuyerID:     buy.ParticipantID,
		SellerID:    sell.ParticipantID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Shares:      qty,
		Price:       price,
		Timestamp:   x.now(),
	}
	if err := x.ledger.Settle(t); err != nil {
		return model.Trade{}, err
	}

	// A market buy is never resting and carries its own reservation.
	if _, resting := b.index[buy.ID]; resting {
		x.release(buy.ParticipantID, buy.Price, qty)
	}
	for _, o := range []*model.Order{buy, sell} {
		o.Remaining -= qty
		if o.Remaining == 0 {
			b.remove(o.ID)
		}
	}
	b.lastTrade = &t
	if err := x.companies.SetCurrentPrice(b.companyID, price); err != nil {
		x.log.Error("failed to record trade price", "company", b.companyID, "err", err)
	}

	metrics.TradesTotal.WithLabelValues(b.companyID).Inc()
	metrics.TradeVolume.WithLabelValues(b.companyID).Add(float64(qty))
	return t, nil
}

// dropFailed removes whichever resting order the ledger refused.
func (x *Exchange) dropFailed(b *Book, err error, buy, sell *model.Order) {
	var se *ledger.SettlementError
	victim := buy
	if errors.As(err, &se) && se.Side == model.SideSell {
		victim = sell
	}
	b.remove(victim.ID)
	x.untrack(victim.ID)
	if victim.Side == model.SideBuy {
		x.release(victim.ParticipantID, victim.Price, victim.Remaining)
	}
	metrics.OrdersRejected.WithLabelValues("settlement").Inc()
	x.log.Warn("stale order dropped at settlement",
		"order_id", victim.ID,
		"participant", victim.ParticipantID,
		"company", b.companyID,
		"err", err,
	)
}

func (x *Exchange) anchor(b *Book) decimal.Decimal {
	p, _ := x.companies.CurrentPrice(b.companyID)
	return p
}

// CancelOrder removes a participant's resting limit order.
func (x *Exchange) CancelOrder(participantID, orderID string) (model.Order, error) {
	x.mu.RLock()
	companyID, ok := x.orders[orderID]
	b := x.books[companyID]
	x.mu.RUnlock()
	if !ok || b == nil {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, resting := b.index[orderID]
	if !resting || e.Order.ParticipantID != participantID {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o, _ := b.remove(orderID)
	x.untrack(orderID)
	if o.Side == model.SideBuy {
		x.release(o.ParticipantID, o.Price, o.Remaining)
	}
	x.log.Info("order cancelled", "order_id", orderID, "participant", participantID, "company", companyID)
	return *o, nil
}

// OpenOrders lists a participant's resting orders across all companies.
func (x *Exchange) OpenOrders(participantID string) []model.Order {
	x.mu.RLock()
	books := make([]*Book, 0, len(x.books))
	for _, b := range x.books {
		books = append(books, b)
	}
	x.mu.RUnlock()

	var out []model.Order
	for _, b := range books {
		b.mu.Lock()
		out = append(out, b.ordersOf(participantID)...)
		b.mu.Unlock()
	}
	return out
}

// GetMarketData snapshots a company's market: price, IPO price, depth
// levels on both sides, the market maker's quote, and the last trade.
func (x *Exchange) GetMarketData(companyID string, depth int) (model.MarketData, error) {
	c, err := x.companies.Get(companyID)
	if err != nil {
		return model.MarketData{}, err
	}
	md := model.MarketData{
		CompanyID:        companyID,
		CurrentPrice:     c.CurrentPrice,
		IPOClearingPrice: c.IPOClearingPrice,
		Bids:             []model.PriceLevel{},
		Asks:             []model.PriceLevel{},
	}
	if !c.IPOComplete {
		return md, nil
	}
	b, err := x.book(companyID)
	if err != nil {
		return md, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	md.Bids = b.levels(model.SideBuy, depth)
	md.Asks = b.levels(model.SideSell, depth)
	md.MarketMaker = b.mm.quote(b)
	if b.lastTrade != nil {
		t := *b.lastTrade
		md.LastTrade = &t
	}
	return md, nil
}

func (x *Exchange) trackOrder(orderID, companyID string) {
	x.mu.Lock()
	x.orders[orderID] = companyID
	x.mu.Unlock()
}

func (x *Exchange) untrack(orderID string) {
	x.mu.Lock()
	delete(x.orders, orderID)
	x.mu.Unlock()
}

// untrackFilled forgets tracked orders of this book that are no longer
// resting. Must be called with the book lock held.
func (x *Exchange) untrackFilled(b *Book) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, cid := range x.orders {
		if cid != b.companyID {
			continue
		}
		if _, ok := b.index[id]; !ok {
			delete(x.orders, id)
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ledger.ErrUnknownParticipant), errors.Is(err, company.ErrUnknownCompany):
		return "unknown_id"
	case errors.Is(err, ErrTradingClosed):
		return "trading_closed"
	default:
		return "invalid"
	}
}
