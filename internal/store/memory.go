package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/lemonstand/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	trades []model.TradeRecord
	ipos   []model.IPORecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByCompany(_ context.Context, companyID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.TradeRecord{}
	for _, t := range s.trades {
		if t.CompanyID == companyID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByParticipant(_ context.Context, participantID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.TradeRecord{}
	for _, t := range s.trades {
		if t.BuyerID == participantID || t.SellerID == participantID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveIPO(_ context.Context, r *model.IPORecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.ipos {
		if existing.CompanyID == r.CompanyID {
			return fmt.Errorf("ipo for company %s already recorded", r.CompanyID)
		}
	}

	// Store a copy to avoid external mutation.
	rec := *r
	rec.Allocations = append([]model.Allocation(nil), r.Allocations...)
	s.ipos = append(s.ipos, rec)
	return nil
}

func (s *MemoryStore) GetIPO(_ context.Context, companyID string) (*model.IPORecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.ipos {
		if r.CompanyID == companyID {
			rec := r
			rec.Allocations = append([]model.Allocation(nil), r.Allocations...)
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: ipo for company %s", ErrNotFound, companyID)
}

func (s *MemoryStore) ListIPOs(_ context.Context) ([]model.IPORecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.IPORecord{}, s.ipos...), nil
}
