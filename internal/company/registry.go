// Package company holds the fixed set of companies listed in a session:
// issued shares, the write-once IPO clearing price, the live market price,
// and the current CEO.
package company

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/model"
)

var (
	// ErrUnknownCompany is returned for an id that is not listed.
	ErrUnknownCompany = errors.New("company: unknown company")

	// ErrIPOAlreadySet is returned when a second clearing price is written.
	ErrIPOAlreadySet = errors.New("company: ipo clearing price already set")

	// ErrOverAllocated is returned when allocation would exceed issued shares.
	ErrOverAllocated = errors.New("company: allocation exceeds issued shares")
)

// Registry owns company state. Safe for concurrent use; it never calls out
// to other components while holding its lock.
type Registry struct {
	mu        sync.RWMutex
	companies map[string]*model.Company
	order     []string
}

// NewRegistry lists one company per name, each with the same number of
// issued shares. Ids are derived from the names.
func NewRegistry(names []string, shares int64) (*Registry, error) {
	if shares <= 0 {
		return nil, fmt.Errorf("company: issued shares must be positive, got %d", shares)
	}
	r := &Registry{companies: make(map[string]*model.Company, len(names))}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id := Slug(name)
		if _, dup := r.companies[id]; dup {
			return nil, fmt.Errorf("company: duplicate company %q", name)
		}
		r.companies[id] = &model.Company{
			ID:     id,
			Name:   name,
			Shares: shares,
		}
		r.order = append(r.order, id)
	}
	if len(r.order) == 0 {
		return nil, errors.New("company: at least one company is required")
	}
	return r, nil
}

// Slug turns a display name into a stable id: "Sunny Squeeze" → "sunny-squeeze".
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// IDs returns company ids in listing order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Get returns a copy of a company.
func (r *Registry) Get(id string) (model.Company, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.companies[id]
	if !ok {
		return model.Company{}, fmt.Errorf("%w: %s", ErrUnknownCompany, id)
	}
	return *c, nil
}

// List returns copies of all companies in listing order.
func (r *Registry) List() []model.Company {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Company, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.companies[id])
	}
	return out
}

// TotalShares returns the issued share count of a company.
func (r *Registry) TotalShares(id string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.companies[id]
	if !ok {
		return 0, false
	}
	return c.Shares, true
}

// CurrentPrice returns the live market price of a company. Before the IPO
// clears the price is zero.
func (r *Registry) CurrentPrice(id string) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.companies[id]
	if !ok {
		return decimal.Zero, false
	}
	return c.CurrentPrice, true
}

// IPOComplete reports whether the company's IPO has cleared.
func (r *Registry) IPOComplete(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.companies[id]
	return ok && c.IPOComplete
}

// CompleteIPO writes the clearing price exactly once and seeds the market
// price with it.
func (r *Registry) CompleteIPO(id string, clearingPrice decimal.Decimal, allocated int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.companies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCompany, id)
	}
	if c.IPOComplete {
		return fmt.Errorf("%w: %s", ErrIPOAlreadySet, id)
	}
	if allocated < 0 || c.SharesAllocated+allocated > c.Shares {
		return fmt.Errorf("%w: %s", ErrOverAllocated, id)
	}
	c.SharesAllocated += allocated
	c.IPOClearingPrice = clearingPrice
	c.CurrentPrice = clearingPrice
	c.IPOComplete = true
	return nil
}

// SetCurrentPrice records the latest trade price.
func (r *Registry) SetCurrentPrice(id string, price decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.companies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCompany, id)
	}
	c.CurrentPrice = price
	return nil
}

// SetCEO mirrors the ledger's CEO decision onto the company. An empty
// participantID clears it.
func (r *Registry) SetCEO(id, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.companies[id]; ok {
		c.CEOParticipantID = participantID
	}
}
