package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the venue will no longer change the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

type Order struct {
	ID          string
	ClientID    string
	Symbol      string
	Side        Side
	Type        OrderType
	Price       decimal.Decimal
	Qty         decimal.Decimal
	ExecutedQty decimal.Decimal
	// Cost is the cumulative quote amount spent or received.
	Cost      decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Trade struct {
	OrderID  string
	TradeID  string
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	QuoteQty decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	Time     time.Time
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

// Balance maps an asset to its free and locked amounts.
type Balance map[string]AssetBalance

type AssetBalance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Free(asset string) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return b[strings.ToUpper(asset)].Free
}

// BaseAsset returns the base asset of a "BASE/QUOTE" symbol.
func BaseAsset(symbol string) string {
	base, _, _ := strings.Cut(symbol, "/")
	return strings.ToUpper(strings.TrimSpace(base))
}

// QuoteAsset returns the quote asset of a "BASE/QUOTE" symbol.
func QuoteAsset(symbol string) string {
	_, quote, _ := strings.Cut(symbol, "/")
	return strings.ToUpper(strings.TrimSpace(quote))
}
