package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// NormalizeOrder rounds price and quantity down to the venue grid and checks
// the minimum size filters. Market orders without a reference price skip the
// notional check.
func NormalizeOrder(order Order, rules Rules) (Order, error) {
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	order.Qty = AmountToPrecision(order.Qty, rules)
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && order.Qty.Cmp(rules.MinQty) < 0 {
		return order, ErrBelowMinQty
	}
	if order.Type == Market && order.Price.Cmp(decimal.Zero) <= 0 {
		return order, nil
	}
	if order.Type != Market {
		if order.Price.Cmp(decimal.Zero) <= 0 {
			return order, ErrInvalidOrder
		}
		order.Price = PriceToPrecision(order.Price, rules)
		if order.Price.Cmp(decimal.Zero) <= 0 {
			return order, ErrInvalidOrder
		}
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := order.Price.Mul(order.Qty)
		if notional.Cmp(rules.MinNotional) < 0 {
			return order, ErrBelowMinNotional
		}
	}
	return order, nil
}

// AmountToPrecision truncates a raw quantity to the venue's step size.
func AmountToPrecision(qty decimal.Decimal, rules Rules) decimal.Decimal {
	return RoundDown(qty, rules.QtyStep)
}

func PriceToPrecision(price decimal.Decimal, rules Rules) decimal.Decimal {
	return RoundDown(price, rules.PriceTick)
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
