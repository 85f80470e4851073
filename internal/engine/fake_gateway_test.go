package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"bandgrid/internal/core"
)

// fakeGateway is a scripted venue: tests decide which orders are open, what
// a query returns and which calls fail.
type fakeGateway struct {
	mu        sync.Mutex
	listed    map[string]bool
	rules     core.Rules
	prices    map[string]decimal.Decimal
	open      map[string]core.Order
	orders    map[string]core.Order
	trades    map[string][]core.Trade
	placed    []core.Order
	cancelled []string
	quoteFree decimal.Decimal
	placeErr  error
	cancelErr error
	openErr   error
	tradesErr error
	panicOn   string
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		prices: make(map[string]decimal.Decimal),
		open:   make(map[string]core.Order),
		orders: make(map[string]core.Order),
		trades: make(map[string][]core.Trade),
	}
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) HasSymbol(_ context.Context, symbol string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listed == nil {
		return true, nil
	}
	return f.listed[symbol], nil
}

func (f *fakeGateway) GetRules(context.Context, string) (core.Rules, error) {
	return f.rules, nil
}

func (f *fakeGateway) TickerPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	if symbol == f.panicOn {
		panic("ticker decoder blew up")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, errors.Join(fmt.Errorf("no price for %s", symbol), core.ErrTransient)
	}
	return price, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, order core.Order) (core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return core.Order{}, f.placeErr
	}
	f.seq++
	order.ID = fmt.Sprintf("F-%d", f.seq)
	order.Status = core.OrderNew
	if order.Type == core.Market {
		price := f.prices[order.Symbol]
		order.Status = core.OrderFilled
		order.ExecutedQty = order.Qty
		order.Cost = price.Mul(order.Qty)
	} else {
		f.open[order.ID] = order
	}
	f.orders[order.ID] = order
	f.placed = append(f.placed, order)
	return order, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.open[orderID]; !ok {
		return fmt.Errorf("cancel %s: %w", orderID, core.ErrOrderNotFound)
	}
	delete(f.open, orderID)
	o := f.orders[orderID]
	o.Status = core.OrderCanceled
	f.orders[orderID] = o
	return nil
}

func (f *fakeGateway) OpenOrders(_ context.Context, symbol string) ([]core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	var out []core.Order
	for _, o := range f.open {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeGateway) QueryOrder(_ context.Context, _ string, orderID string) (core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("query %s: %w", orderID, core.ErrOrderNotFound)
	}
	return o, nil
}

func (f *fakeGateway) Trades(_ context.Context, _ string, orderID string) ([]core.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tradesErr != nil {
		return nil, f.tradesErr
	}
	return append([]core.Trade(nil), f.trades[orderID]...), nil
}

func (f *fakeGateway) Balances(context.Context) (core.Balance, error) {
	return core.Balance{"USDT": {Free: f.quoteFree}}, nil
}

func (f *fakeGateway) setPrice(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = decimal.RequireFromString(price)
}

// openOrder registers a resting order the engine did not place itself.
func (f *fakeGateway) openOrder(o core.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.Status = core.OrderNew
	f.open[o.ID] = o
	f.orders[o.ID] = o
}

// finish closes an order with the given execution and one trade.
func (f *fakeGateway) finish(o core.Order, status core.OrderStatus, qty, cost, fee, feeAsset string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.Status = status
	o.ExecutedQty = decimal.RequireFromString(qty)
	o.Cost = decimal.RequireFromString(cost)
	delete(f.open, o.ID)
	f.orders[o.ID] = o
	if o.ExecutedQty.IsPositive() {
		f.trades[o.ID] = append(f.trades[o.ID], core.Trade{
			OrderID:  o.ID,
			Symbol:   o.Symbol,
			Side:     o.Side,
			Qty:      o.ExecutedQty,
			QuoteQty: o.Cost,
			Price:    o.Cost.Div(o.ExecutedQty),
			Fee:      decimal.RequireFromString(fee),
			FeeAsset: feeAsset,
		})
	}
}

func (f *fakeGateway) placedOrders() []core.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Order(nil), f.placed...)
}

func (f *fakeGateway) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}
