package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type BandStatus string

const (
	BandWaiting     BandStatus = "waiting"
	BandReadyToSell BandStatus = "ready_to_sell"
	BandHolding     BandStatus = "holding"
	BandCompleted   BandStatus = "completed"
)

// ActiveStatuses are the statuses that occupy a concurrency slot.
var ActiveStatuses = []BandStatus{BandWaiting, BandReadyToSell, BandHolding}

func (s BandStatus) Valid() bool {
	switch s {
	case BandWaiting, BandReadyToSell, BandHolding, BandCompleted:
		return true
	}
	return false
}

// Band is one buy-then-sell attempt between two adjacent grid levels.
// Leg fields stay zero until the corresponding event happened.
type Band struct {
	ID        int64
	Symbol    string
	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal
	Qty       decimal.Decimal
	Status    BandStatus
	CreatedAt time.Time

	BuyOrderID       string
	BuySubmittedAt   *time.Time
	BuyFilledAt      *time.Time
	BuyFilledQty     decimal.Decimal
	BuyExecutedPrice decimal.Decimal
	BuyFeeAmount     decimal.Decimal
	BuyFeeCurrency   string
	BuyNetQuantity   decimal.Decimal

	SellOrderID       string
	SellSubmittedAt   *time.Time
	SellFilledAt      *time.Time
	SellFilledQty     decimal.Decimal
	SellExecutedPrice decimal.Decimal
	SellFeeAmount     decimal.Decimal
	SellFeeCurrency   string
}

// Fill is the authoritative execution summary of one order leg.
type Fill struct {
	Qty         decimal.Decimal
	Cost        decimal.Decimal
	Price       decimal.Decimal
	FeeAmount   decimal.Decimal
	FeeCurrency string
	NetQty      decimal.Decimal
}

// NetQuantity subtracts the fee from the filled quantity when the fee was
// charged in the base asset. Fees in any other asset do not reduce the
// base quantity available for the paired sell.
func NetQuantity(filled, fee decimal.Decimal, feeCurrency, baseAsset string) decimal.Decimal {
	if feeCurrency != "" && feeCurrency == baseAsset {
		return filled.Sub(fee)
	}
	return filled
}

// RealizedQuote is the quote-asset result of a completed band: sell proceeds
// minus buy cost, less the fees that were charged in the quote asset. Fees
// charged in the base asset are already reflected in the smaller sold size.
func (b Band) RealizedQuote() decimal.Decimal {
	quote := QuoteAsset(b.Symbol)
	pnl := b.SellExecutedPrice.Mul(b.SellFilledQty).Sub(b.BuyExecutedPrice.Mul(b.BuyFilledQty))
	if b.SellFeeCurrency == quote {
		pnl = pnl.Sub(b.SellFeeAmount)
	}
	if b.BuyFeeCurrency == quote {
		pnl = pnl.Sub(b.BuyFeeAmount)
	}
	return pnl
}
