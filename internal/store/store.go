// Package store persists the game's history: executed trades and IPO
// clearing results. It sits beside the core, which stays authoritative
// for live state. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/lemonstand/market-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Trades ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.TradeRecord) error

	// ListTradesByCompany returns a company's trades, oldest first.
	ListTradesByCompany(ctx context.Context, companyID string) ([]model.TradeRecord, error)

	// ListTradesByParticipant returns every trade a participant was on
	// either side of, oldest first.
	ListTradesByParticipant(ctx context.Context, participantID string) ([]model.TradeRecord, error)

	// --- IPO results ---

	// SaveIPO persists one company's clearing result. A company clears
	// at most once.
	SaveIPO(ctx context.Context, r *model.IPORecord) error

	// GetIPO returns a company's clearing result or ErrNotFound.
	GetIPO(ctx context.Context, companyID string) (*model.IPORecord, error)

	// ListIPOs returns all clearing results, oldest first.
	ListIPOs(ctx context.Context) ([]model.IPORecord, error)
}
