package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeOrderLimitRoundsPriceAndQty(t *testing.T) {
	order := Order{
		Symbol: "ETH/USDT",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("100.037"),
		Qty:    decimal.RequireFromString("0.123456"),
	}
	rules := Rules{
		MinQty:      decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		PriceTick:   decimal.RequireFromString("0.01"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}

	got, err := NormalizeOrder(order, rules)
	if err != nil {
		t.Fatalf("NormalizeOrder() error = %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("100.03")) {
		t.Fatalf("unexpected rounded price: %s", got.Price)
	}
	if !got.Qty.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("unexpected rounded qty: %s", got.Qty)
	}
}

func TestNormalizeOrderBelowMinQty(t *testing.T) {
	order := Order{
		Symbol: "ETH/USDT",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("100"),
		Qty:    decimal.RequireFromString("0.009"),
	}
	_, err := NormalizeOrder(order, Rules{MinQty: decimal.RequireFromString("0.01")})
	if !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinQty)
	}
}

func TestNormalizeOrderQtyRoundedToZeroIsInvalid(t *testing.T) {
	order := Order{
		Symbol: "BTC/USDT",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("60000"),
		Qty:    decimal.RequireFromString("0.00009"),
	}
	_, err := NormalizeOrder(order, Rules{QtyStep: decimal.RequireFromString("0.0001")})
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrInvalidOrder)
	}
}

func TestNormalizeOrderMarketMinNotionalRules(t *testing.T) {
	rules := Rules{MinNotional: decimal.RequireFromString("60")}

	noPrice := Order{Symbol: "ETH/USDT", Side: Sell, Type: Market, Qty: decimal.RequireFromString("1")}
	if _, err := NormalizeOrder(noPrice, rules); err != nil {
		t.Fatalf("NormalizeOrder() no-price market error = %v", err)
	}

	withPrice := noPrice
	withPrice.Price = decimal.RequireFromString("50")
	if _, err := NormalizeOrder(withPrice, rules); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("NormalizeOrder() market with price error = %v, want %v", err, ErrBelowMinNotional)
	}
}

func TestAmountToPrecisionTruncates(t *testing.T) {
	rules := Rules{QtyStep: decimal.RequireFromString("0.01")}
	got := AmountToPrecision(decimal.RequireFromString("1.998"), rules)
	if !got.Equal(decimal.RequireFromString("1.99")) {
		t.Fatalf("AmountToPrecision() = %s, want 1.99", got)
	}
	if got := AmountToPrecision(decimal.RequireFromString("1.998"), Rules{}); !got.Equal(decimal.RequireFromString("1.998")) {
		t.Fatalf("AmountToPrecision() without step = %s, want unchanged", got)
	}
}
