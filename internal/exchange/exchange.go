package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"bandgrid/internal/core"
)

// Gateway is the venue surface the band engine consumes. Symbols use the
// "BASE/QUOTE" form; implementations translate to their own market ids.
//
// Errors carry core error kinds (core.ErrOrderNotFound, core.ErrTransient,
// core.ErrOrderRejected, ...) so callers can branch with errors.Is.
type Gateway interface {
	Name() string
	HasSymbol(ctx context.Context, symbol string) (bool, error)
	GetRules(ctx context.Context, symbol string) (core.Rules, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	// QueryOrder returns the order with its executed quantity and cost, or
	// an error wrapping core.ErrOrderNotFound.
	QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error)
	Trades(ctx context.Context, symbol, orderID string) ([]core.Trade, error)
	Balances(ctx context.Context) (core.Balance, error)
}

// OpenOrderIDs indexes open orders by id.
func OpenOrderIDs(orders []core.Order) map[string]core.Order {
	out := make(map[string]core.Order, len(orders))
	for _, o := range orders {
		out[o.ID] = o
	}
	return out
}
