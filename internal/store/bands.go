package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"bandgrid/internal/core"
)

var (
	ErrBandNotFound  = errors.New("band not found")
	ErrBandImmutable = errors.New("completed band is immutable")
)

// BandStore persists band rows. Every mutation is a single committed row
// change; there are no multi-row transactions.
type BandStore interface {
	Insert(ctx context.Context, band core.Band) (int64, error)
	Update(ctx context.Context, band core.Band) error
	Delete(ctx context.Context, id int64) error
	// ListByStatus returns bands ordered by id. An empty symbol matches all
	// symbols; no statuses matches every status.
	ListByStatus(ctx context.Context, symbol string, statuses ...core.BandStatus) ([]core.Band, error)
	FindByBuyPrice(ctx context.Context, symbol string, buyPrice decimal.Decimal, statuses ...core.BandStatus) ([]core.Band, error)
	Close() error
}

func validateBand(b core.Band) error {
	if b.Symbol == "" {
		return errors.New("band symbol required")
	}
	if !b.Status.Valid() {
		return fmt.Errorf("invalid band status %q", b.Status)
	}
	if b.BuyPrice.Cmp(decimal.Zero) <= 0 || b.BuyPrice.Cmp(b.SellPrice) >= 0 {
		return fmt.Errorf("band prices must satisfy 0 < buy < sell, got %s/%s", b.BuyPrice, b.SellPrice)
	}
	return nil
}

func statusSet(statuses []core.BandStatus) map[core.BandStatus]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[core.BandStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

func sortBands(bands []core.Band) {
	sort.Slice(bands, func(i, j int) bool { return bands[i].ID < bands[j].ID })
}

// bandRecord is the JSON shape of a band row.
type bandRecord struct {
	ID        int64           `json:"id"`
	Symbol    string          `json:"symbol"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	Qty       decimal.Decimal `json:"qty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`

	BuyOrderID       string          `json:"buy_order_id,omitempty"`
	BuySubmittedAt   *time.Time      `json:"buy_submitted_at,omitempty"`
	BuyFilledAt      *time.Time      `json:"buy_filled_at,omitempty"`
	BuyFilledQty     decimal.Decimal `json:"buy_filled_qty"`
	BuyExecutedPrice decimal.Decimal `json:"buy_executed_price"`
	BuyFeeAmount     decimal.Decimal `json:"buy_fee_amount"`
	BuyFeeCurrency   string          `json:"buy_fee_currency,omitempty"`
	BuyNetQuantity   decimal.Decimal `json:"buy_net_quantity"`

	SellOrderID       string          `json:"sell_order_id,omitempty"`
	SellSubmittedAt   *time.Time      `json:"sell_submitted_at,omitempty"`
	SellFilledAt      *time.Time      `json:"sell_filled_at,omitempty"`
	SellFilledQty     decimal.Decimal `json:"sell_filled_qty"`
	SellExecutedPrice decimal.Decimal `json:"sell_executed_price"`
	SellFeeAmount     decimal.Decimal `json:"sell_fee_amount"`
	SellFeeCurrency   string          `json:"sell_fee_currency,omitempty"`
}

func toRecord(b core.Band) bandRecord {
	return bandRecord{
		ID:                b.ID,
		Symbol:            b.Symbol,
		BuyPrice:          b.BuyPrice,
		SellPrice:         b.SellPrice,
		Qty:               b.Qty,
		Status:            string(b.Status),
		CreatedAt:         b.CreatedAt,
		BuyOrderID:        b.BuyOrderID,
		BuySubmittedAt:    b.BuySubmittedAt,
		BuyFilledAt:       b.BuyFilledAt,
		BuyFilledQty:      b.BuyFilledQty,
		BuyExecutedPrice:  b.BuyExecutedPrice,
		BuyFeeAmount:      b.BuyFeeAmount,
		BuyFeeCurrency:    b.BuyFeeCurrency,
		BuyNetQuantity:    b.BuyNetQuantity,
		SellOrderID:       b.SellOrderID,
		SellSubmittedAt:   b.SellSubmittedAt,
		SellFilledAt:      b.SellFilledAt,
		SellFilledQty:     b.SellFilledQty,
		SellExecutedPrice: b.SellExecutedPrice,
		SellFeeAmount:     b.SellFeeAmount,
		SellFeeCurrency:   b.SellFeeCurrency,
	}
}

func (r bandRecord) band() core.Band {
	return core.Band{
		ID:                r.ID,
		Symbol:            r.Symbol,
		BuyPrice:          r.BuyPrice,
		SellPrice:         r.SellPrice,
		Qty:               r.Qty,
		Status:            core.BandStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		BuyOrderID:        r.BuyOrderID,
		BuySubmittedAt:    r.BuySubmittedAt,
		BuyFilledAt:       r.BuyFilledAt,
		BuyFilledQty:      r.BuyFilledQty,
		BuyExecutedPrice:  r.BuyExecutedPrice,
		BuyFeeAmount:      r.BuyFeeAmount,
		BuyFeeCurrency:    r.BuyFeeCurrency,
		BuyNetQuantity:    r.BuyNetQuantity,
		SellOrderID:       r.SellOrderID,
		SellSubmittedAt:   r.SellSubmittedAt,
		SellFilledAt:      r.SellFilledAt,
		SellFilledQty:     r.SellFilledQty,
		SellExecutedPrice: r.SellExecutedPrice,
		SellFeeAmount:     r.SellFeeAmount,
		SellFeeCurrency:   r.SellFeeCurrency,
	}
}
