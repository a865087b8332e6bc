// Package model holds the game types every other package trades in.
// Money is shopspring/decimal throughout; float64 never holds a price or balance.
// Share counts are whole shares (int64).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind distinguishes resting limit orders from immediate market orders.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool {
	return k == OrderKindLimit || k == OrderKindMarket
}

// Participant is a player of the session: a human or a bot with a fixed
// personality. Cash and Shares are read-only copies synced from the ledger
// after each settlement; the ledger stays authoritative.
type Participant struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	IsHuman     bool             `json:"is_human"`
	Personality *Personality     `json:"personality,omitempty"`
	Cash        decimal.Decimal  `json:"cash"`
	Shares      map[string]int64 `json:"shares,omitempty"` // companyID → shares
}

// Personality is the immutable configuration of a bot.
type Personality struct {
	Strategy      string  `json:"bid_strategy"`
	RiskTolerance float64 `json:"risk_tolerance"` // [0,1]
	Concentration float64 `json:"concentration"`  // [0,1]
	BidMultiplier float64 `json:"bid_multiplier"`
}

// Company is one listed lemonade stand.
type Company struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Shares           int64           `json:"shares"`
	SharesAllocated  int64           `json:"shares_allocated"`
	IPOClearingPrice decimal.Decimal `json:"ipo_clearing_price"`
	IPOComplete      bool            `json:"ipo_complete"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	CEOParticipantID string          `json:"ceo_participant_id,omitempty"`
}

// Bid is one IPO bid line. Multiple lines from the same participant are
// independent.
type Bid struct {
	ParticipantID string          `json:"participant_id"`
	CompanyID     string          `json:"company_id"`
	Shares        int64           `json:"shares"`
	Price         decimal.Decimal `json:"price"`
}

// Allocation is the result of clearing one bid line.
type Allocation struct {
	ParticipantID string          `json:"participant_id"`
	Shares        int64           `json:"shares"`
	Price         decimal.Decimal `json:"price"`
	BidPrice      decimal.Decimal `json:"bid_price"`
}

// Order is a trading-phase instruction. Market orders never rest on the book.
type Order struct {
	ID            string          `json:"id"`
	ParticipantID string          `json:"participant_id"`
	CompanyID     string          `json:"company_id"`
	Side          Side            `json:"side"`
	Kind          OrderKind       `json:"kind"`
	Shares        int64           `json:"shares"`
	Remaining     int64           `json:"remaining"`
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Trade is one execution between a buyer and a seller.
type Trade struct {
	ID          string          `json:"id"`
	CompanyID   string          `json:"company_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Shares      int64           `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PurchaseLot is one purchase event in a participant's FIFO position.
type PurchaseLot struct {
	Shares        int64           `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SaleResult aggregates the lots consumed by one sale.
type SaleResult struct {
	Shares         int64           `json:"shares"`
	Proceeds       decimal.Decimal `json:"proceeds"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
}

// Holding is one company position inside a ledger summary.
type Holding struct {
	CompanyID     string          `json:"company_id"`
	Shares        int64           `json:"shares"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // marketValue - costBasis
	OwnershipPct  decimal.Decimal `json:"ownership_pct"`
	Lots          []PurchaseLot   `json:"lots"`
}

// LedgerSummary is a point-in-time snapshot of one participant's ledger.
type LedgerSummary struct {
	ParticipantID string          `json:"participant_id"`
	Name          string          `json:"name"`
	IsHuman       bool            `json:"is_human"`
	Cash          decimal.Decimal `json:"cash"`
	Holdings      []Holding       `json:"holdings"`
	TotalNetWorth decimal.Decimal `json:"total_net_worth"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	IsCEO         bool            `json:"is_ceo"`
	CEOCompanyID  string          `json:"ceo_company_id,omitempty"`
}

// PriceLevel is an aggregated level of the order book.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Shares     int64           `json:"shares"`
	OrderCount int             `json:"order_count"`
}

// Quote is the market maker's standing bid/ask.
type Quote struct {
	Bid       decimal.Decimal `json:"bid"`
	BidShares int64           `json:"bid_shares"`
	Ask       decimal.Decimal `json:"ask"`
	AskShares int64           `json:"ask_shares"`
}

// MarketData is the public view of one company's market.
type MarketData struct {
	CompanyID        string          `json:"company_id"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	IPOClearingPrice decimal.Decimal `json:"ipo_clearing_price"`
	Bids             []PriceLevel    `json:"bids"`
	Asks             []PriceLevel    `json:"asks"`
	MarketMaker      Quote           `json:"market_maker"`
	LastTrade        *Trade          `json:"last_trade,omitempty"`
}

// TradeRecord is an immutable persisted record of a trade execution.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID        string          `json:"id" db:"id"`
	CompanyID string          `json:"company_id" db:"company_id"`
	BuyerID   string          `json:"buyer_id" db:"buyer_id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	Shares    int64           `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// IPORecord is the persisted outcome of one company's IPO clearing.
type IPORecord struct {
	ID            string          `json:"id" db:"id"`
	CompanyID     string          `json:"company_id" db:"company_id"`
	ClearingPrice decimal.Decimal `json:"clearing_price" db:"clearing_price"`
	SharesIssued  int64           `json:"shares_issued" db:"shares_issued"`
	Allocations   []Allocation    `json:"allocations" db:"allocations"`
	ClearedAt     time.Time       `json:"cleared_at" db:"cleared_at"`
}
