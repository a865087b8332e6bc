package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lemonstand/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, historyKey(t.CompanyID))
	return nil
}

func (s *CachedStore) SaveIPO(ctx context.Context, r *model.IPORecord) error {
	if err := s.primary.SaveIPO(ctx, r); err != nil {
		return err
	}
	// IPO results are write-once, so cache eagerly.
	s.cache(ctx, ipoKey(r.CompanyID), r)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetIPO(ctx context.Context, companyID string) (*model.IPORecord, error) {
	data, err := s.rdb.Get(ctx, ipoKey(companyID)).Bytes()
	if err == nil {
		var r model.IPORecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetIPO(ctx, companyID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ipoKey(companyID), r)
	return r, nil
}

func (s *CachedStore) ListTradesByCompany(ctx context.Context, companyID string) ([]model.TradeRecord, error) {
	data, err := s.rdb.Get(ctx, historyKey(companyID)).Bytes()
	if err == nil {
		var trades []model.TradeRecord
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.ListTradesByCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, historyKey(companyID), trades)
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTradesByParticipant(ctx context.Context, participantID string) ([]model.TradeRecord, error) {
	return s.primary.ListTradesByParticipant(ctx, participantID)
}

func (s *CachedStore) ListIPOs(ctx context.Context) ([]model.IPORecord, error) {
	return s.primary.ListIPOs(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func ipoKey(companyID string) string     { return fmt.Sprintf("ipo:%s", companyID) }
func historyKey(companyID string) string { return fmt.Sprintf("history:%s", companyID) }
