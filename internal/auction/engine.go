package auction

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/metrics"
	"github.com/lemonstand/market-engine/internal/model"
)

// Policy decides what happens when demand does not cover supply.
type Policy string

const (
	// PolicyStrict refuses to clear and allocates nothing.
	PolicyStrict Policy = "strict"
	// PolicyTopUp adds a synthetic floor bid for the shortfall, owned by
	// the unaccounted reserve identity.
	PolicyTopUp Policy = "topup"
)

// ReserveID owns top-up shares. It has no ledger entry.
const ReserveID = "ipo-reserve"

// Ledger is the accounting surface the engine settles allocations against.
type Ledger interface {
	Has(participantID string) bool
	Cash(participantID string) (decimal.Decimal, error)
	RecordPurchase(participantID, companyID string, shares int64, pricePerShare decimal.Decimal) (model.PurchaseLot, error)
	EvaluateCEO(companyID string)
}

// Companies is the registry surface the engine reads supply from and
// writes the clearing price to.
type Companies interface {
	Get(companyID string) (model.Company, error)
	CompleteIPO(companyID string, clearingPrice decimal.Decimal, allocated int64) error
}

// RejectedBid is a bid line dropped before clearing.
type RejectedBid struct {
	Bid    model.Bid `json:"bid"`
	Reason string    `json:"reason"`
}

// Result is the outcome of clearing one company.
type Result struct {
	CompanyID       string             `json:"company_id"`
	ClearingPrice   decimal.Decimal    `json:"clearing_price"`
	SharesIssued    int64              `json:"shares_issued"`
	SharesAllocated int64              `json:"shares_allocated"`
	Allocations     []model.Allocation `json:"allocations"`
	Rejected        []RejectedBid      `json:"rejected,omitempty"`
	ToppedUp        int64              `json:"topped_up,omitempty"`
}

// Engine clears IPOs one company at a time. Clearing holds the engine lock
// for the whole computation and settlement, so a company's IPO is complete
// before anything else can see its shares.
type Engine struct {
	companies Companies
	ledger    Ledger
	floor     decimal.Decimal
	policy    Policy
	log       *slog.Logger
	mu        sync.Mutex
}

// NewEngine creates an auction engine. Prices never clear below floor.
func NewEngine(companies Companies, ledger Ledger, floor decimal.Decimal, policy Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if policy != PolicyTopUp {
		policy = PolicyStrict
	}
	return &Engine{
		companies: companies,
		ledger:    ledger,
		floor:     floor,
		policy:    policy,
		log:       logger,
	}
}

// Floor returns the minimum clearing price.
func (e *Engine) Floor() decimal.Decimal {
	return e.floor
}

// ClearCompany validates bids, computes the uniform clearing price, books
// every allocation in the ledger at that price, writes the IPO price once,
// and runs a final CEO pass for the company.
func (e *Engine) ClearCompany(companyID string, bids []model.Bid) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	company, err := e.companies.Get(companyID)
	if err != nil {
		return Result{}, err
	}
	if company.IPOComplete {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyCleared, companyID)
	}

	res := Result{CompanyID: companyID, SharesIssued: company.Shares}
	valid, rejected := e.validate(companyID, bids)
	res.Rejected = rejected
	for _, r := range rejected {
		e.log.Warn("ipo bid rejected",
			"company", companyID,
			"participant", r.Bid.ParticipantID,
			"shares", r.Bid.Shares,
			"price", r.Bid.Price.String(),
			"reason", r.Reason,
		)
	}

	sorted := SortBids(valid)
	var demand int64
	for _, b := range sorted {
		demand += b.Shares
	}
	if demand < company.Shares {
		shortfall := company.Shares - demand
		if e.policy != PolicyTopUp {
			metrics.AuctionInvariantViolations.WithLabelValues("undersubscribed").Inc()
			e.log.Error("ipo undersubscribed: scavenger provisioning failed",
				"company", companyID,
				"demand", demand,
				"supply", company.Shares,
			)
			return Result{}, fmt.Errorf("%w: %s demand %d < supply %d", ErrInvariantViolation, companyID, demand, company.Shares)
		}
		metrics.AuctionInvariantViolations.WithLabelValues("topped_up").Inc()
		e.log.Warn("ipo undersubscribed: topping up with reserve bid",
			"company", companyID,
			"shortfall", shortfall,
		)
		sorted = append(sorted, model.Bid{
			ParticipantID: ReserveID,
			CompanyID:     companyID,
			Shares:        shortfall,
			Price:         e.floor,
		})
		res.ToppedUp = shortfall
	}

	price, planned, err := Clear(company.Shares, e.floor, sorted)
	if err != nil {
		return Result{}, err
	}

	var total int64
	for _, a := range planned {
		total += a.Shares
	}
	if err := e.companies.CompleteIPO(companyID, price, total); err != nil {
		return Result{}, err
	}

	res.ClearingPrice = price
	for _, a := range planned {
		if a.ParticipantID != ReserveID {
			if _, err := e.ledger.RecordPurchase(a.ParticipantID, companyID, a.Shares, price); err != nil {
				// Bids were pre-checked against cash at their own (higher)
				// price, so this cannot happen without a ledger bug.
				metrics.AuctionInvariantViolations.WithLabelValues("settlement").Inc()
				e.log.Error("ipo allocation failed to settle",
					"company", companyID,
					"participant", a.ParticipantID,
					"shares", a.Shares,
					"err", err,
				)
				continue
			}
		}
		res.Allocations = append(res.Allocations, a)
		res.SharesAllocated += a.Shares
	}

	e.ledger.EvaluateCEO(companyID)

	metrics.IPOClearingsTotal.Inc()
	metrics.IPOClearingPrice.WithLabelValues(companyID).Set(price.InexactFloat64())
	e.log.Info("ipo cleared",
		"company", companyID,
		"clearing_price", price.String(),
		"bids", len(sorted),
		"demand", demand,
		"allocated", res.SharesAllocated,
	)
	return res, nil
}

// validate drops bid lines that cannot be honored. A participant's lines
// are checked in submission order against a running cash commitment at
// each line's own price; since the clearing price never exceeds a winning
// bid's price, every surviving line is affordable at clearing.
func (e *Engine) validate(companyID string, bids []model.Bid) ([]model.Bid, []RejectedBid) {
	var valid []model.Bid
	var rejected []RejectedBid
	committed := make(map[string]decimal.Decimal)

	for _, b := range bids {
		b.Price = b.Price.Round(2)
		reason := ""
		switch {
		case b.CompanyID != "" && b.CompanyID != companyID:
			reason = "wrong company"
		case b.Shares <= 0:
			reason = "non-positive shares"
		case b.Price.LessThan(e.floor):
			reason = "below floor price"
		case !e.ledger.Has(b.ParticipantID):
			reason = "unknown participant"
		}
		if reason == "" {
			cash, err := e.ledger.Cash(b.ParticipantID)
			need := committed[b.ParticipantID].Add(b.Price.Mul(decimal.NewFromInt(b.Shares)))
			if err != nil || need.GreaterThan(cash) {
				reason = "insufficient funds"
			} else {
				committed[b.ParticipantID] = need
			}
		}
		if reason != "" {
			rejected = append(rejected, RejectedBid{Bid: b, Reason: reason})
			continue
		}
		b.CompanyID = companyID
		valid = append(valid, b)
	}
	return valid, rejected
}

// IsInvariantViolation reports whether err means the IPO could not clear
// because demand fell short of supply.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
