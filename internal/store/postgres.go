package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lemonstand/market-engine/internal/model"
)

// Connect opens a tuned connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	buyer_id   TEXT NOT NULL,
	seller_id  TEXT NOT NULL,
	shares     BIGINT NOT NULL CHECK (shares > 0),
	price      NUMERIC(12, 2) NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_company_idx ON trades (company_id, timestamp);
CREATE INDEX IF NOT EXISTS trades_buyer_idx ON trades (buyer_id);
CREATE INDEX IF NOT EXISTS trades_seller_idx ON trades (seller_id);

CREATE TABLE IF NOT EXISTS ipo_results (
	id             TEXT PRIMARY KEY,
	company_id     TEXT NOT NULL UNIQUE,
	clearing_price NUMERIC(12, 2) NOT NULL,
	shares_issued  BIGINT NOT NULL,
	allocations    JSONB NOT NULL,
	cleared_at     TIMESTAMPTZ NOT NULL
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, company_id, buyer_id, seller_id, shares, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		t.ID, t.CompanyID, t.BuyerID, t.SellerID, t.Shares,
		t.Price.String(), t.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListTradesByCompany(ctx context.Context, companyID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, buyer_id, seller_id, shares, price::TEXT, timestamp
		 FROM trades WHERE company_id = $1 ORDER BY timestamp`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByParticipant(ctx context.Context, participantID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, buyer_id, seller_id, shares, price::TEXT, timestamp
		 FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY timestamp`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) SaveIPO(ctx context.Context, r *model.IPORecord) error {
	allocs, err := json.Marshal(r.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ipo_results (id, company_id, clearing_price, shares_issued, allocations, cleared_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		r.ID, r.CompanyID, r.ClearingPrice.String(), r.SharesIssued, allocs, r.ClearedAt,
	)
	return err
}

func (s *PostgresStore) GetIPO(ctx context.Context, companyID string) (*model.IPORecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, company_id, clearing_price::TEXT, shares_issued, allocations, cleared_at
		 FROM ipo_results WHERE company_id = $1`, companyID)
	r, err := scanIPO(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: ipo for company %s", ErrNotFound, companyID)
	}
	if err != nil {
		return nil, fmt.Errorf("get ipo %s: %w", companyID, err)
	}
	return r, nil
}

func (s *PostgresStore) ListIPOs(ctx context.Context) ([]model.IPORecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, clearing_price::TEXT, shares_issued, allocations, cleared_at
		 FROM ipo_results ORDER BY cleared_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.IPORecord
	for rows.Next() {
		r, err := scanIPO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeRecord, error) {
	trades := []model.TradeRecord{}
	for rows.Next() {
		var t model.TradeRecord
		var priceS string

		if err := rows.Scan(&t.ID, &t.CompanyID, &t.BuyerID, &t.SellerID,
			&t.Shares, &priceS, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Price, _ = decimal.NewFromString(priceS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanIPO(row pgx.Row) (*model.IPORecord, error) {
	var r model.IPORecord
	var priceS string
	var allocs []byte

	if err := row.Scan(&r.ID, &r.CompanyID, &priceS, &r.SharesIssued, &allocs, &r.ClearedAt); err != nil {
		return nil, err
	}
	r.ClearingPrice, _ = decimal.NewFromString(priceS)
	if err := json.Unmarshal(allocs, &r.Allocations); err != nil {
		return nil, fmt.Errorf("decode allocations: %w", err)
	}
	return &r, nil
}
