package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"bandgrid/internal/core"
)

const createBandsTableSQL = `
CREATE TABLE IF NOT EXISTS grid_bands (
	id                  BIGSERIAL PRIMARY KEY,
	symbol              VARCHAR(32) NOT NULL,
	buy_price           NUMERIC(38, 18) NOT NULL,
	sell_price          NUMERIC(38, 18) NOT NULL,
	qty                 NUMERIC(38, 18) NOT NULL DEFAULT 0,
	status              VARCHAR(16) NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	buy_order_id        TEXT,
	buy_submitted_at    TIMESTAMPTZ,
	buy_filled_at       TIMESTAMPTZ,
	buy_filled_qty      NUMERIC(38, 18) NOT NULL DEFAULT 0,
	buy_executed_price  NUMERIC(38, 18) NOT NULL DEFAULT 0,
	buy_fee_amount      NUMERIC(38, 18) NOT NULL DEFAULT 0,
	buy_fee_currency    TEXT,
	buy_net_quantity    NUMERIC(38, 18) NOT NULL DEFAULT 0,
	sell_order_id       TEXT,
	sell_submitted_at   TIMESTAMPTZ,
	sell_filled_at      TIMESTAMPTZ,
	sell_filled_qty     NUMERIC(38, 18) NOT NULL DEFAULT 0,
	sell_executed_price NUMERIC(38, 18) NOT NULL DEFAULT 0,
	sell_fee_amount     NUMERIC(38, 18) NOT NULL DEFAULT 0,
	sell_fee_currency   TEXT
)`

const createBandsIndexSQL = `CREATE INDEX IF NOT EXISTS grid_bands_symbol_status_idx ON grid_bands (symbol, status)`

const bandColumns = `id, symbol, buy_price, sell_price, qty, status, created_at,
	buy_order_id, buy_submitted_at, buy_filled_at, buy_filled_qty, buy_executed_price,
	buy_fee_amount, buy_fee_currency, buy_net_quantity,
	sell_order_id, sell_submitted_at, sell_filled_at, sell_filled_qty, sell_executed_price,
	sell_fee_amount, sell_fee_currency`

// PostgresBandStore stores bands in the grid_bands table. Each call is a
// single autocommitted statement.
type PostgresBandStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresBandStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("database url required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresBandStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresBandStore(pool *pgxpool.Pool) *PostgresBandStore {
	return &PostgresBandStore{pool: pool}
}

func (s *PostgresBandStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createBandsTableSQL, createBandsIndexSQL} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate grid_bands: %w", err)
		}
	}
	return nil
}

func (s *PostgresBandStore) Insert(ctx context.Context, band core.Band) (int64, error) {
	if err := validateBand(band); err != nil {
		return 0, err
	}
	if band.CreatedAt.IsZero() {
		band.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO grid_bands (symbol, buy_price, sell_price, qty, status, created_at,
	buy_order_id, buy_submitted_at, buy_filled_at, buy_filled_qty, buy_executed_price,
	buy_fee_amount, buy_fee_currency, buy_net_quantity,
	sell_order_id, sell_submitted_at, sell_filled_at, sell_filled_qty, sell_executed_price,
	sell_fee_amount, sell_fee_currency)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
RETURNING id`,
		band.Symbol, band.BuyPrice, band.SellPrice, band.Qty, string(band.Status), band.CreatedAt,
		nullString(band.BuyOrderID), band.BuySubmittedAt, band.BuyFilledAt, band.BuyFilledQty, band.BuyExecutedPrice,
		band.BuyFeeAmount, nullString(band.BuyFeeCurrency), band.BuyNetQuantity,
		nullString(band.SellOrderID), band.SellSubmittedAt, band.SellFilledAt, band.SellFilledQty, band.SellExecutedPrice,
		band.SellFeeAmount, nullString(band.SellFeeCurrency),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert band: %w", err)
	}
	return id, nil
}

func (s *PostgresBandStore) Update(ctx context.Context, band core.Band) error {
	if err := validateBand(band); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE grid_bands SET
	symbol = $2, buy_price = $3, sell_price = $4, qty = $5, status = $6,
	buy_order_id = $7, buy_submitted_at = $8, buy_filled_at = $9, buy_filled_qty = $10,
	buy_executed_price = $11, buy_fee_amount = $12, buy_fee_currency = $13, buy_net_quantity = $14,
	sell_order_id = $15, sell_submitted_at = $16, sell_filled_at = $17, sell_filled_qty = $18,
	sell_executed_price = $19, sell_fee_amount = $20, sell_fee_currency = $21
WHERE id = $1 AND status <> 'completed'`,
		band.ID, band.Symbol, band.BuyPrice, band.SellPrice, band.Qty, string(band.Status),
		nullString(band.BuyOrderID), band.BuySubmittedAt, band.BuyFilledAt, band.BuyFilledQty,
		band.BuyExecutedPrice, band.BuyFeeAmount, nullString(band.BuyFeeCurrency), band.BuyNetQuantity,
		nullString(band.SellOrderID), band.SellSubmittedAt, band.SellFilledAt, band.SellFilledQty,
		band.SellExecutedPrice, band.SellFeeAmount, nullString(band.SellFeeCurrency),
	)
	if err != nil {
		return fmt.Errorf("update band %d: %w", band.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrImmutable(ctx, "update", band.ID)
	}
	return nil
}

func (s *PostgresBandStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM grid_bands WHERE id = $1 AND status <> 'completed'`, id)
	if err != nil {
		return fmt.Errorf("delete band %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrImmutable(ctx, "delete", id)
	}
	return nil
}

func (s *PostgresBandStore) missingOrImmutable(ctx context.Context, op string, id int64) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM grid_bands WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s band %d: %w", op, id, ErrBandNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s band %d: %w", op, id, err)
	}
	return fmt.Errorf("%s band %d: %w", op, id, ErrBandImmutable)
}

func (s *PostgresBandStore) ListByStatus(ctx context.Context, symbol string, statuses ...core.BandStatus) ([]core.Band, error) {
	query, args := bandFilter(symbol, statuses)
	return s.queryBands(ctx, query+" ORDER BY id", args...)
}

func (s *PostgresBandStore) FindByBuyPrice(ctx context.Context, symbol string, buyPrice decimal.Decimal, statuses ...core.BandStatus) ([]core.Band, error) {
	query, args := bandFilter(symbol, statuses)
	args = append(args, buyPrice)
	return s.queryBands(ctx, fmt.Sprintf("%s AND buy_price = $%d ORDER BY id", query, len(args)), args...)
}

func (s *PostgresBandStore) Close() error {
	s.pool.Close()
	return nil
}

func bandFilter(symbol string, statuses []core.BandStatus) (string, []any) {
	query := "SELECT " + bandColumns + " FROM grid_bands WHERE TRUE"
	args := make([]any, 0, 3)
	if symbol != "" {
		args = append(args, symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		args = append(args, names)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	return query, args
}

func (s *PostgresBandStore) queryBands(ctx context.Context, query string, args ...any) ([]core.Band, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bands: %w", err)
	}
	defer rows.Close()

	out := make([]core.Band, 0)
	for rows.Next() {
		var (
			b           core.Band
			status      string
			buyOrderID  *string
			buyFeeCcy   *string
			sellOrderID *string
			sellFeeCcy  *string
		)
		if err := rows.Scan(
			&b.ID, &b.Symbol, &b.BuyPrice, &b.SellPrice, &b.Qty, &status, &b.CreatedAt,
			&buyOrderID, &b.BuySubmittedAt, &b.BuyFilledAt, &b.BuyFilledQty, &b.BuyExecutedPrice,
			&b.BuyFeeAmount, &buyFeeCcy, &b.BuyNetQuantity,
			&sellOrderID, &b.SellSubmittedAt, &b.SellFilledAt, &b.SellFilledQty, &b.SellExecutedPrice,
			&b.SellFeeAmount, &sellFeeCcy,
		); err != nil {
			return nil, fmt.Errorf("scan band: %w", err)
		}
		b.Status = core.BandStatus(status)
		b.BuyOrderID = derefString(buyOrderID)
		b.BuyFeeCurrency = derefString(buyFeeCcy)
		b.SellOrderID = derefString(sellOrderID)
		b.SellFeeCurrency = derefString(sellFeeCcy)
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
