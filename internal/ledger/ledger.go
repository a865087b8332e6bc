// Package ledger is the accounting engine: per-participant cash, FIFO
// purchase lots per company, realized/unrealized value, net worth, and
// controlling-ownership (CEO) status.
//
// Money is shopspring/decimal throughout; float64 never holds a price or balance.
//
// Every mutating operation validates first and mutates second, so a
// rejected purchase, sale or settlement leaves no trace.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a purchase costs more than the
	// participant's cash.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a sale exceeds the FIFO holding.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrUnknownParticipant is returned for an id without a ledger entry.
	ErrUnknownParticipant = errors.New("ledger: unknown participant")

	// ErrUnknownCompany is returned for a company the registry does not list.
	ErrUnknownCompany = errors.New("ledger: unknown company")

	// ErrInvalidAmount is returned for non-positive share counts or prices,
	// or a negative starting balance.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// CEOThresholdPct is the ownership percentage of issued shares at which a
// participant takes control of a company.
var CEOThresholdPct = decimal.NewFromInt(35)

var hundred = decimal.NewFromInt(100)

// Companies is the company registry the ledger reads issued shares and live
// prices from, and mirrors CEO changes onto.
type Companies interface {
	TotalShares(companyID string) (int64, bool)
	CurrentPrice(companyID string) (decimal.Decimal, bool)
	SetCEO(companyID, participantID string)
}

// Options tunes a Ledger. The zero value is usable.
type Options struct {
	// Clock stamps purchase lots. Defaults to time.Now.
	Clock func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// AllowMultipleCEO lets one participant control several companies at
	// once. By default a participant is CEO of at most one company.
	AllowMultipleCEO bool
}

type entry struct {
	id        string
	name      string
	isHuman   bool
	cash      decimal.Decimal
	positions map[string][]model.PurchaseLot
	realized  decimal.Decimal
	ceoOf     map[string]struct{}
}

func (e *entry) shares(companyID string) int64 {
	var total int64
	for _, lot := range e.positions[companyID] {
		total += lot.Shares
	}
	return total
}

// Ledger owns all participant entries. Access is only through its methods;
// a single mutex serializes every read-modify-write.
type Ledger struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string
	ceos      map[string]string // companyID → participantID
	companies Companies
	now       func() time.Time
	log       *slog.Logger
	multiCEO  bool
}

// New creates an empty ledger bound to a company registry.
func New(companies Companies, opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		entries:   make(map[string]*entry),
		ceos:      make(map[string]string),
		companies: companies,
		now:       opts.Clock,
		log:       opts.Logger,
		multiCEO:  opts.AllowMultipleCEO,
	}
}

// InitializeParticipant creates a ledger entry funded with startingCash.
// Calling it again for an existing id is a no-op that keeps the live
// balance; the returned bool reports whether an entry was created.
func (l *Ledger) InitializeParticipant(id, name string, isHuman bool, startingCash decimal.Decimal) (bool, error) {
	if id == "" || startingCash.IsNegative() {
		return false, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[id]; ok {
		return false, nil
	}
	l.entries[id] = &entry{
		id:        id,
		name:      name,
		isHuman:   isHuman,
		cash:      startingCash,
		positions: make(map[string][]model.PurchaseLot),
		ceoOf:     make(map[string]struct{}),
	}
	l.order = append(l.order, id)
	return true, nil
}

// Has reports whether the participant has a ledger entry.
func (l *Ledger) Has(participantID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[participantID]
	return ok
}

// RecordPurchase debits shares × pricePerShare and appends a purchase lot.
func (l *Ledger) RecordPurchase(participantID, companyID string, shares int64, pricePerShare decimal.Decimal) (model.PurchaseLot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.validatePurchase(participantID, companyID, shares, pricePerShare)
	if err != nil {
		return model.PurchaseLot{}, err
	}
	lot := l.applyPurchase(e, companyID, shares, pricePerShare)
	l.evaluateLocked(e, companyID)
	l.checkInvariants(e)
	return lot, nil
}

// RecordSale consumes lots oldest-first and credits shares × pricePerShare.
func (l *Ledger) RecordSale(participantID, companyID string, shares int64, pricePerShare decimal.Decimal) (model.SaleResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.validateSale(participantID, companyID, shares, pricePerShare)
	if err != nil {
		return model.SaleResult{}, err
	}
	res := l.applySale(e, companyID, shares, pricePerShare)
	l.evaluateLocked(e, companyID)
	l.checkInvariants(e)
	return res, nil
}

// SettlementError identifies which counterparty failed validation.
type SettlementError struct {
	ParticipantID string
	Side          model.Side
	Err           error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle %s %s: %v", e.Side, e.ParticipantID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Settle books one trade for both counterparties atomically: the buyer's
// purchase and the seller's sale either both apply or neither does.
// Identities without a ledger entry (the synthetic market maker) are
// skipped, so their side of the trade is not accounted.
func (l *Ledger) Settle(t model.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buyer, buyerAccounted := l.entries[t.BuyerID]
	seller, sellerAccounted := l.entries[t.SellerID]

	if sellerAccounted {
		if _, err := l.validateSale(t.SellerID, t.CompanyID, t.Shares, t.Price); err != nil {
			return &SettlementError{ParticipantID: t.SellerID, Side: model.SideSell, Err: err}
		}
	}
	if buyerAccounted {
		if _, err := l.validatePurchase(t.BuyerID, t.CompanyID, t.Shares, t.Price); err != nil {
			return &SettlementError{ParticipantID: t.BuyerID, Side: model.SideBuy, Err: err}
		}
	}

	// Sale first so a participant trading with itself never dips below zero.
	if sellerAccounted {
		l.applySale(seller, t.CompanyID, t.Shares, t.Price)
	}
	if buyerAccounted {
		l.applyPurchase(buyer, t.CompanyID, t.Shares, t.Price)
	}
	if sellerAccounted {
		l.evaluateLocked(seller, t.CompanyID)
		l.checkInvariants(seller)
	}
	if buyerAccounted {
		l.evaluateLocked(buyer, t.CompanyID)
		l.checkInvariants(buyer)
	}
	return nil
}

func (l *Ledger) validatePurchase(participantID, companyID string, shares int64, price decimal.Decimal) (*entry, error) {
	e, ok := l.entries[participantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if _, ok := l.companies.TotalShares(companyID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCompany, companyID)
	}
	if shares <= 0 || !price.IsPositive() {
		return nil, ErrInvalidAmount
	}
	cost := price.Mul(decimal.NewFromInt(shares))
	if cost.GreaterThan(e.cash) {
		return nil, fmt.Errorf("%w: cost %s exceeds cash %s", ErrInsufficientFunds, cost, e.cash)
	}
	return e, nil
}

func (l *Ledger) validateSale(participantID, companyID string, shares int64, price decimal.Decimal) (*entry, error) {
	e, ok := l.entries[participantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if _, ok := l.companies.TotalShares(companyID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCompany, companyID)
	}
	if shares <= 0 || !price.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if held := e.shares(companyID); shares > held {
		return nil, fmt.Errorf("%w: selling %d, holding %d", ErrInsufficientShares, shares, held)
	}
	return e, nil
}

func (l *Ledger) applyPurchase(e *entry, companyID string, shares int64, price decimal.Decimal) model.PurchaseLot {
	cost := price.Mul(decimal.NewFromInt(shares))
	lot := model.PurchaseLot{
		Shares:        shares,
		PricePerShare: price,
		TotalCost:     cost,
		Timestamp:     l.now(),
	}
	e.cash = e.cash.Sub(cost)
	e.positions[companyID] = append(e.positions[companyID], lot)
	return lot
}

// applySale walks lots in insertion order. A lot is only ever shrunk or
// dropped, never grown.
func (l *Ledger) applySale(e *entry, companyID string, shares int64, price decimal.Decimal) model.SaleResult {
	res := model.SaleResult{
		Shares:   shares,
		Proceeds: price.Mul(decimal.NewFromInt(shares)),
	}

	lots := e.positions[companyID]
	remaining := shares
	consumed := 0
	for i := range lots {
		if remaining == 0 {
			break
		}
		take := lots[i].Shares
		if take > remaining {
			take = remaining
		}
		qty := decimal.NewFromInt(take)
		res.CostBasis = res.CostBasis.Add(lots[i].PricePerShare.Mul(qty))
		res.RealizedProfit = res.RealizedProfit.Add(price.Sub(lots[i].PricePerShare).Mul(qty))

		lots[i].Shares -= take
		lots[i].TotalCost = lots[i].PricePerShare.Mul(decimal.NewFromInt(lots[i].Shares))
		remaining -= take
		if lots[i].Shares == 0 {
			consumed++
		}
	}

	if rest := lots[consumed:]; len(rest) > 0 {
		e.positions[companyID] = append([]model.PurchaseLot(nil), rest...)
	} else {
		delete(e.positions, companyID)
	}
	e.cash = e.cash.Add(res.Proceeds)
	e.realized = e.realized.Add(res.RealizedProfit)
	return res
}

// checkInvariants logs loudly; a violation is a bug in the caller's
// validation, not a user error.
func (l *Ledger) checkInvariants(e *entry) {
	if e.cash.IsNegative() {
		l.log.Error("ledger invariant violated: negative cash",
			"participant", e.id, "cash", e.cash.String())
	}
}

// GetTotalShares sums a participant's lots for a company; 0 if none.
func (l *Ledger) GetTotalShares(participantID, companyID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[participantID]
	if !ok {
		return 0
	}
	return e.shares(companyID)
}

// Holdings returns companyID → shares for every non-empty position.
func (l *Ledger) Holdings(participantID string) map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int64)
	e, ok := l.entries[participantID]
	if !ok {
		return out
	}
	for cid := range e.positions {
		if n := e.shares(cid); n > 0 {
			out[cid] = n
		}
	}
	return out
}

// Lots returns a copy of the participant's FIFO lots for a company.
func (l *Ledger) Lots(participantID, companyID string) []model.PurchaseLot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[participantID]
	if !ok {
		return nil
	}
	return append([]model.PurchaseLot(nil), e.positions[companyID]...)
}

// Cash returns the participant's cash balance.
func (l *Ledger) Cash(participantID string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[participantID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return e.cash, nil
}

// NetWorth is cash plus every holding marked at the live market price,
// not at historical purchase prices.
func (l *Ledger) NetWorth(participantID string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[participantID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return l.netWorthLocked(e), nil
}

func (l *Ledger) netWorthLocked(e *entry) decimal.Decimal {
	total := e.cash
	for cid := range e.positions {
		price, _ := l.companies.CurrentPrice(cid)
		total = total.Add(price.Mul(decimal.NewFromInt(e.shares(cid))))
	}
	return total
}

// Summary snapshots one participant's ledger.
func (l *Ledger) Summary(participantID string) (model.LedgerSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[participantID]
	if !ok {
		return model.LedgerSummary{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return l.summaryLocked(e), nil
}

// Summaries snapshots every participant in registration order.
func (l *Ledger) Summaries() []model.LedgerSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.LedgerSummary, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.summaryLocked(l.entries[id]))
	}
	return out
}

func (l *Ledger) summaryLocked(e *entry) model.LedgerSummary {
	s := model.LedgerSummary{
		ParticipantID: e.id,
		Name:          e.name,
		IsHuman:       e.isHuman,
		Cash:          e.cash,
		RealizedPnL:   e.realized,
		Holdings:      []model.Holding{},
	}

	cids := make([]string, 0, len(e.positions))
	for cid := range e.positions {
		cids = append(cids, cid)
	}
	sort.Strings(cids)

	for _, cid := range cids {
		lots := e.positions[cid]
		h := model.Holding{CompanyID: cid, Lots: append([]model.PurchaseLot(nil), lots...)}
		for _, lot := range lots {
			h.Shares += lot.Shares
			h.CostBasis = h.CostBasis.Add(lot.TotalCost)
		}
		if h.Shares == 0 {
			continue
		}
		qty := decimal.NewFromInt(h.Shares)
		h.AverageCost = h.CostBasis.DivRound(qty, 4)
		h.CurrentPrice, _ = l.companies.CurrentPrice(cid)
		h.MarketValue = h.CurrentPrice.Mul(qty)
		h.UnrealizedPnL = h.MarketValue.Sub(h.CostBasis)
		if total, ok := l.companies.TotalShares(cid); ok && total > 0 {
			h.OwnershipPct = qty.Mul(hundred).DivRound(decimal.NewFromInt(total), 2)
		}
		s.UnrealizedPnL = s.UnrealizedPnL.Add(h.UnrealizedPnL)
		s.Holdings = append(s.Holdings, h)
	}

	s.TotalNetWorth = l.netWorthLocked(e)
	if len(e.ceoOf) > 0 {
		s.IsCEO = true
		s.CEOCompanyID = firstKey(e.ceoOf)
	}
	return s
}

func firstKey(m map[string]struct{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}
