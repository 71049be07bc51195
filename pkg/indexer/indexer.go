// Package indexer reads trade history and DCA schedules from the chain
// indexer's Postgres database.
package indexer

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swapdesk/pkg/dca"
)

//go:embed schema.sql
var schema string

// HistoryStart is the first timestamp price history is read from
var HistoryStart = time.Date(2023, 1, 6, 13, 0, 0, 0, time.UTC)

const pgErrUniqueViolation = "23505"

var ErrDuplicate = errors.New("duplicate record")

// Store wraps the indexer connection pool
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ dca.PositionSource = (*Store)(nil)

// Connect opens and pings a pool for dsn
func Connect(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, logger: logger.With().Str("component", "indexer").Logger()}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the tables the queries read
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Trade is one executed swap
type Trade struct {
	Block     uint64
	Time      time.Time
	Who       string
	AssetIn   string
	AssetOut  string
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
}

// RecordTrade stores an executed swap
func (s *Store) RecordTrade(ctx context.Context, t Trade) error {
	query := `
		INSERT INTO trades (block_height, ts, who, asset_in, asset_out, amount_in, amount_out)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)
	`
	_, err := s.pool.Exec(ctx, query, int64(t.Block), t.Time, t.Who, t.AssetIn, t.AssetOut,
		t.AmountIn.String(), t.AmountOut.String())
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Bucket is the price of a pair over one hour
type Bucket struct {
	Time   time.Time       `json:"time"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Avg    decimal.Decimal `json:"avg"`
	Trades int             `json:"trades"`
}

// PriceHistory groups the trades of a pair, in both directions, into hourly
// buckets. The price is the amount of assetIn paid per unit of assetOut.
func (s *Store) PriceHistory(ctx context.Context, assetIn, assetOut string, until time.Time) ([]Bucket, error) {
	query := `
		WITH pair_price AS (
			SELECT
				ts,
				CASE
					WHEN asset_in = $1 AND asset_out = $2 AND amount_in <> 0 AND amount_out <> 0 THEN amount_in / amount_out
					WHEN asset_in = $2 AND asset_out = $1 AND amount_in <> 0 AND amount_out <> 0 THEN amount_out / amount_in
				END AS price
			FROM trades
			WHERE ts BETWEEN $3 AND $4
		)
		SELECT
			date_trunc('hour', ts) AS bucket,
			max(price)::text,
			min(price)::text,
			avg(price)::text,
			count(*)
		FROM pair_price
		WHERE price IS NOT NULL
		GROUP BY 1
		ORDER BY 1
	`
	rows, err := s.pool.Query(ctx, query, assetIn, assetOut, HistoryStart, until)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var (
			b             Bucket
			high, low, av string
		)
		if err := rows.Scan(&b.Time, &high, &low, &av, &b.Trades); err != nil {
			return nil, fmt.Errorf("scan price bucket: %w", err)
		}
		if b.High, err = decimal.NewFromString(high); err != nil {
			return nil, fmt.Errorf("parse high: %w", err)
		}
		if b.Low, err = decimal.NewFromString(low); err != nil {
			return nil, fmt.Errorf("parse low: %w", err)
		}
		if b.Avg, err = decimal.NewFromString(av); err != nil {
			return nil, fmt.Errorf("parse avg: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price history: %w", err)
	}
	return buckets, nil
}

// InsertSchedule stores a new schedule. Returns ErrDuplicate if the id exists.
func (s *Store) InsertSchedule(ctx context.Context, p dca.Position) error {
	query := `
		INSERT INTO dca_schedules (
			id, owner, chain, asset_in, asset_out, amount_per_trade, budget, remaining,
			period, status, executions, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, query, p.ID, p.Owner, p.Chain, p.AssetIn, p.AssetOut,
		p.AmountPerTrade, p.Budget, p.Remaining, p.Period, string(p.Status), p.Executions,
		p.Created, p.LastUpdated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// Scheduled lists the schedules of owner, oldest first
func (s *Store) Scheduled(ctx context.Context, owner string) ([]dca.Position, error) {
	query := `
		SELECT id, owner, chain, asset_in, asset_out, amount_per_trade::text, budget::text,
			remaining::text, period, status, executions, created_at, updated_at
		FROM dca_schedules
		WHERE owner = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []dca.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func scanPosition(row pgx.Row) (dca.Position, error) {
	var (
		p      dca.Position
		status string
	)
	err := row.Scan(&p.ID, &p.Owner, &p.Chain, &p.AssetIn, &p.AssetOut, &p.AmountPerTrade, &p.Budget,
		&p.Remaining, &p.Period, &status, &p.Executions, &p.Created, &p.LastUpdated)
	if err != nil {
		return dca.Position{}, err
	}
	p.Status = dca.PositionStatus(status)
	p.AmountPerTrade = trimNumeric(p.AmountPerTrade)
	p.Budget = trimNumeric(p.Budget)
	p.Remaining = trimNumeric(p.Remaining)
	return p, nil
}

// trimNumeric drops the trailing zeros Postgres keeps on numeric text
func trimNumeric(v string) string {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return v
	}
	return d.String()
}
