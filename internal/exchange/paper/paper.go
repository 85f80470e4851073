package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bandgrid/internal/core"
)

// Market supplies reference prices, listing and trading rules, usually a
// public Binance client.
type Market interface {
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	HasSymbol(ctx context.Context, symbol string) (bool, error)
	GetRules(ctx context.Context, symbol string) (core.Rules, error)
}

type Options struct {
	Market       Market
	MakerRate    decimal.Decimal
	TakerRate    decimal.Decimal
	InitialQuote decimal.Decimal
	QuoteAsset   string
	Now          func() time.Time
}

// Exchange is an in-memory venue. Limit orders fill in full at their own
// price once the reference price crosses them; market orders fill at the
// reference price. Buy fees are charged in the base asset, sell fees in the
// quote asset.
type Exchange struct {
	mu       sync.Mutex
	market   Market
	prices   map[string]decimal.Decimal
	rules    map[string]core.Rules
	balances map[string]core.AssetBalance
	orders   map[string]*core.Order
	trades   map[string][]core.Trade
	orderSeq int
	tradeSeq int
	makerFee decimal.Decimal
	takerFee decimal.Decimal
	feePaid  map[string]decimal.Decimal
	now      func() time.Time
}

func New(opts Options) (*Exchange, error) {
	if opts.MakerRate.Cmp(decimal.Zero) < 0 || opts.TakerRate.Cmp(decimal.Zero) < 0 {
		return nil, errors.New("fee rate must be >= 0")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ex := &Exchange{
		market:   opts.Market,
		prices:   make(map[string]decimal.Decimal),
		rules:    make(map[string]core.Rules),
		balances: make(map[string]core.AssetBalance),
		orders:   make(map[string]*core.Order),
		trades:   make(map[string][]core.Trade),
		makerFee: opts.MakerRate,
		takerFee: opts.TakerRate,
		feePaid:  make(map[string]decimal.Decimal),
		now:      now,
	}
	quote := strings.ToUpper(opts.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}
	if opts.InitialQuote.Cmp(decimal.Zero) > 0 {
		ex.balances[quote] = core.AssetBalance{Free: opts.InitialQuote}
	}
	return ex, nil
}

func (s *Exchange) Name() string { return "paper" }

// SetPrice injects a reference price and fills any crossed orders.
func (s *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	s.match(symbol, price)
}

func (s *Exchange) SetRules(symbol string, rules core.Rules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[symbol] = rules
}

func (s *Exchange) Deposit(asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset = strings.ToUpper(asset)
	b := s.balances[asset]
	b.Free = b.Free.Add(amount)
	s.balances[asset] = b
}

// FeesPaid returns the cumulative fees per asset.
func (s *Exchange) FeesPaid() map[string]decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(s.feePaid))
	for k, v := range s.feePaid {
		out[k] = v
	}
	return out
}

func (s *Exchange) HasSymbol(ctx context.Context, symbol string) (bool, error) {
	if s.market != nil {
		return s.market.HasSymbol(ctx, symbol)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, priced := s.prices[symbol]
	_, ruled := s.rules[symbol]
	return priced || ruled, nil
}

func (s *Exchange) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	s.mu.Lock()
	rules, ok := s.rules[symbol]
	s.mu.Unlock()
	if ok || s.market == nil {
		return rules, nil
	}
	rules, err := s.market.GetRules(ctx, symbol)
	if err != nil {
		return core.Rules{}, err
	}
	s.SetRules(symbol, rules)
	return rules, nil
}

// TickerPrice refreshes the reference price from the market when one is
// configured and matches open orders against it.
func (s *Exchange) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.market != nil {
		price, err := s.market.TickerPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		s.SetPrice(symbol, price)
		return price, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (s *Exchange) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, errors.Join(errors.New("invalid order qty"), core.ErrOrderRejected)
	}
	if order.Type == core.Market {
		if _, err := s.TickerPrice(ctx, order.Symbol); err != nil {
			return core.Order{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base, quote := core.BaseAsset(order.Symbol), core.QuoteAsset(order.Symbol)
	if base == "" || quote == "" {
		return core.Order{}, fmt.Errorf("unknown symbol %q", order.Symbol)
	}
	last := s.prices[order.Symbol]
	if order.Type == core.Market {
		order.Price = last
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, errors.Join(errors.New("invalid order price"), core.ErrOrderRejected)
	}

	lockAsset, lockQty := quote, order.Price.Mul(order.Qty)
	if order.Side == core.Sell {
		lockAsset, lockQty = base, order.Qty
	}
	bal := s.balances[lockAsset]
	if bal.Free.Cmp(lockQty) < 0 {
		return core.Order{}, errors.Join(
			fmt.Errorf("paper: %s free %s < %s", lockAsset, bal.Free, lockQty),
			core.ErrInsufficientBalance,
		)
	}
	bal.Free = bal.Free.Sub(lockQty)
	bal.Locked = bal.Locked.Add(lockQty)
	s.balances[lockAsset] = bal

	s.orderSeq++
	now := s.now()
	order.ID = fmt.Sprintf("paper-%d", s.orderSeq)
	order.CreatedAt = now
	order.UpdatedAt = now
	order.Status = core.OrderNew
	order.ExecutedQty = decimal.Zero
	order.Cost = decimal.Zero
	stored := order
	s.orders[order.ID] = &stored

	if order.Type == core.Market {
		s.fill(&stored, last, s.takerFee)
	} else if last.Cmp(decimal.Zero) > 0 && crossed(&stored, last) {
		s.fill(&stored, stored.Price, s.makerFee)
	}
	return stored, nil
}

func (s *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.orders[orderID]
	if !ok || ord.Symbol != symbol || ord.Status.Terminal() {
		return fmt.Errorf("paper: cancel %s: %w", orderID, core.ErrOrderNotFound)
	}
	s.unlock(ord)
	ord.Status = core.OrderCanceled
	ord.UpdatedAt = s.now()
	return nil
}

func (s *Exchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := make([]core.Order, 0)
	for _, ord := range s.orders {
		if ord.Symbol == symbol && !ord.Status.Terminal() {
			orders = append(orders, *ord)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (s *Exchange) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.orders[orderID]
	if !ok || ord.Symbol != symbol {
		return core.Order{}, fmt.Errorf("paper: query %s: %w", orderID, core.ErrOrderNotFound)
	}
	return *ord, nil
}

func (s *Exchange) Trades(ctx context.Context, symbol, orderID string) ([]core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trades := s.trades[orderID]
	out := make([]core.Trade, 0, len(trades))
	for _, tr := range trades {
		if tr.Symbol == symbol {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *Exchange) Balances(ctx context.Context) (core.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(core.Balance, len(s.balances))
	for asset, b := range s.balances {
		out[asset] = b
	}
	return out, nil
}

func (s *Exchange) match(symbol string, price decimal.Decimal) {
	ids := make([]string, 0)
	for id, ord := range s.orders {
		if ord.Symbol == symbol && !ord.Status.Terminal() && crossed(ord, price) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		ord := s.orders[id]
		s.fill(ord, ord.Price, s.makerFee)
	}
}

func crossed(ord *core.Order, price decimal.Decimal) bool {
	switch ord.Side {
	case core.Buy:
		return price.Cmp(ord.Price) <= 0
	case core.Sell:
		return price.Cmp(ord.Price) >= 0
	default:
		return false
	}
}

// fill executes the whole order at price, releasing the locked funds and
// crediting the proceeds net of fees.
func (s *Exchange) fill(ord *core.Order, price, feeRate decimal.Decimal) {
	base, quote := core.BaseAsset(ord.Symbol), core.QuoteAsset(ord.Symbol)
	notional := price.Mul(ord.Qty)
	s.unlock(ord)

	var fee decimal.Decimal
	var feeAsset string
	switch ord.Side {
	case core.Buy:
		fee, feeAsset = ord.Qty.Mul(feeRate), base
		s.credit(quote, notional.Neg())
		s.credit(base, ord.Qty.Sub(fee))
	case core.Sell:
		fee, feeAsset = notional.Mul(feeRate), quote
		s.credit(base, ord.Qty.Neg())
		s.credit(quote, notional.Sub(fee))
	}
	s.feePaid[feeAsset] = s.feePaid[feeAsset].Add(fee)

	now := s.now()
	ord.ExecutedQty = ord.Qty
	ord.Cost = notional
	ord.Status = core.OrderFilled
	ord.UpdatedAt = now

	s.tradeSeq++
	s.trades[ord.ID] = append(s.trades[ord.ID], core.Trade{
		OrderID:  ord.ID,
		TradeID:  fmt.Sprintf("paper-t%d", s.tradeSeq),
		Symbol:   ord.Symbol,
		Side:     ord.Side,
		Price:    price,
		Qty:      ord.Qty,
		QuoteQty: notional,
		Fee:      fee,
		FeeAsset: feeAsset,
		Time:     now,
	})
}

func (s *Exchange) unlock(ord *core.Order) {
	asset, qty := core.QuoteAsset(ord.Symbol), ord.Price.Mul(ord.Qty)
	if ord.Side == core.Sell {
		asset, qty = core.BaseAsset(ord.Symbol), ord.Qty
	}
	b := s.balances[asset]
	b.Locked = b.Locked.Sub(qty)
	b.Free = b.Free.Add(qty)
	s.balances[asset] = b
}

func (s *Exchange) credit(asset string, amount decimal.Decimal) {
	b := s.balances[asset]
	b.Free = b.Free.Add(amount)
	s.balances[asset] = b
}
