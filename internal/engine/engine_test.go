package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandgrid/internal/core"
	"bandgrid/internal/exchange"
	"bandgrid/internal/store"
)

const eth = "ETH/USDT"

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func levels(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = d(v)
	}
	return out
}

func ethPlan(bands int, lv ...string) SymbolPlan {
	return SymbolPlan{Symbol: eth, Levels: levels(lv...), USDPerOrder: d("10"), Bands: bands}
}

type harness struct {
	eng   *Engine
	bands store.BandStore
	state *store.Store
	hook  *test.Hook
}

func newHarness(t *testing.T, gw exchange.Gateway, mutate ...func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	bands, err := store.OpenFileBandStore(dir, nil)
	require.NoError(t, err)
	state, err := store.New(dir, nil)
	require.NoError(t, err)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	opts := Options{Gateway: gw, Bands: bands, Journal: state, Logger: logger}
	for _, m := range mutate {
		m(&opts)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	return &harness{eng: eng, bands: opts.Bands, state: state, hook: hook}
}

func (h *harness) insert(t *testing.T, b core.Band) core.Band {
	t.Helper()
	if b.Symbol == "" {
		b.Symbol = eth
	}
	id, err := h.bands.Insert(context.Background(), b)
	require.NoError(t, err)
	b.ID = id
	return b
}

func (h *harness) active(t *testing.T) []core.Band {
	t.Helper()
	out, err := h.bands.ListByStatus(context.Background(), eth, core.ActiveStatuses...)
	require.NoError(t, err)
	return out
}

func (h *harness) band(t *testing.T, id int64) core.Band {
	t.Helper()
	all, err := h.bands.ListByStatus(context.Background(), "")
	require.NoError(t, err)
	for _, b := range all {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("band %d not found", id)
	return core.Band{}
}

func (h *harness) events(level logrus.Level) []string {
	var out []string
	for _, e := range h.hook.AllEntries() {
		if e.Level == level {
			if ev, ok := e.Data["event"].(string); ok {
				out = append(out, ev)
			}
		}
	}
	return out
}

func TestNewRequiresGatewayAndStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Gateway: newFakeGateway()})
	assert.Error(t, err)
}

func TestSeedPlacesFrontierBuyUnderPrice(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	h := newHarness(t, gw)

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())
	assert.Equal(t, []string{eth}, res.Processed)
	assert.NotEmpty(t, res.RunID)

	placed := gw.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, core.Buy, placed[0].Side)
	assert.Equal(t, core.Limit, placed[0].Type)
	assert.True(t, placed[0].Price.Equal(d("100")))
	assert.True(t, placed[0].Qty.Equal(d("0.1")))

	active := h.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, core.BandWaiting, active[0].Status)
	assert.True(t, active[0].BuyPrice.Equal(d("100")))
	assert.True(t, active[0].SellPrice.Equal(d("105")))
	assert.Equal(t, placed[0].ID, active[0].BuyOrderID)
	assert.NotNil(t, active[0].BuySubmittedAt)
	assert.Contains(t, h.events(logrus.InfoLevel), "buy_placed")
}

func TestSeedFillsUpToTargetSkippingExistingBuyPrices(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "112")
	h := newHarness(t, gw)
	gw.openOrder(core.Order{ID: "B105", Symbol: eth, Side: core.Buy, Price: d("105"), Qty: d("0.1")})
	h.insert(t, core.Band{BuyPrice: d("105"), SellPrice: d("110"), Qty: d("0.1"), Status: core.BandWaiting, BuyOrderID: "B105"})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(3, "95", "100", "105", "110", "115")})
	require.NoError(t, res.Err())

	var buys []string
	for _, o := range gw.placedOrders() {
		buys = append(buys, o.Price.String())
	}
	assert.Equal(t, []string{"110", "100"}, buys)
	assert.Len(t, h.active(t), 3)
}

func TestSeedSkipsBuyBelowVenueMinimum(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	gw.rules = core.Rules{QtyStep: d("0.01"), MinNotional: d("20")}
	h := newHarness(t, gw)

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())
	assert.Empty(t, gw.placedOrders())
	assert.Empty(t, h.active(t))
	assert.Contains(t, h.events(logrus.WarnLevel), "buy_below_minimum")
}

func TestSeedRejectedBuyLeavesNoRow(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	gw.placeErr = errors.Join(errors.New("account has insufficient balance"), core.ErrInsufficientBalance)
	h := newHarness(t, gw)

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())
	assert.Empty(t, h.active(t))
	assert.Contains(t, h.events(logrus.ErrorLevel), "buy_submit_failed")
}

func TestReconcileBuyFillPlacesNetSell(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("2"), Status: core.BandWaiting, BuyOrderID: "X"})
	gw.finish(core.Order{ID: "X", Symbol: eth, Side: core.Buy, Type: core.Limit, Price: d("100"), Qty: d("2")},
		core.OrderFilled, "2.0", "200", "0.002", "ETH")

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())

	placed := gw.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, core.Sell, placed[0].Side)
	assert.Equal(t, core.Limit, placed[0].Type)
	assert.True(t, placed[0].Qty.Equal(d("1.998")), "sell qty %s", placed[0].Qty)
	assert.True(t, placed[0].Price.Equal(d("105")))

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandHolding, got.Status)
	assert.True(t, got.BuyFilledQty.Equal(d("2")))
	assert.True(t, got.BuyExecutedPrice.Equal(d("100")))
	assert.True(t, got.BuyFeeAmount.Equal(d("0.002")))
	assert.Equal(t, "ETH", got.BuyFeeCurrency)
	assert.True(t, got.BuyNetQuantity.Equal(d("1.998")))
	assert.NotNil(t, got.BuyFilledAt)
	assert.Equal(t, placed[0].ID, got.SellOrderID)
	assert.NotNil(t, got.SellSubmittedAt)

	info := h.events(logrus.InfoLevel)
	assert.Contains(t, info, "buy_filled")
	assert.Contains(t, info, "sell_placed")
}

func TestReconcileBuyFillWithSellRejectedStaysReadyToSell(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("2"), Status: core.BandWaiting, BuyOrderID: "X"})
	gw.finish(core.Order{ID: "X", Symbol: eth, Side: core.Buy, Price: d("100"), Qty: d("2")},
		core.OrderFilled, "2", "200", "0.002", "ETH")
	gw.placeErr = errors.Join(errors.New("timeout"), core.ErrTransient)

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandReadyToSell, got.Status)
	assert.Empty(t, got.SellOrderID)
	assert.Contains(t, h.events(logrus.ErrorLevel), "sell_submit_failed")

	// The next cycle's retry submits the sell once the venue accepts again.
	gw.placeErr = nil
	res = h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())
	got = h.band(t, band.ID)
	assert.Equal(t, core.BandHolding, got.Status)
	assert.NotEmpty(t, got.SellOrderID)
}

func TestReconcileTradeFetchFailureDefersBuyFill(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("2"), Status: core.BandWaiting, BuyOrderID: "X"})
	gw.finish(core.Order{ID: "X", Symbol: eth, Side: core.Buy, Type: core.Limit, Price: d("100"), Qty: d("2")},
		core.OrderFilled, "2.0", "200", "0.002", "ETH")
	gw.tradesErr = errors.Join(errors.New("myTrades 503"), core.ErrTransient)
	plans := []SymbolPlan{ethPlan(1, "100", "105", "110")}

	res := h.eng.RunCycle(context.Background(), plans)
	require.NoError(t, res.Err())

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandWaiting, got.Status)
	assert.True(t, got.BuyNetQuantity.IsZero())
	assert.Empty(t, got.BuyFeeCurrency)
	assert.Nil(t, got.BuyFilledAt)
	for _, o := range gw.placedOrders() {
		assert.NotEqual(t, core.Sell, o.Side, "sell placed before the fee was known")
	}
	assert.Contains(t, h.events(logrus.WarnLevel), "trades_fetch_failed")

	gw.tradesErr = nil
	res = h.eng.RunCycle(context.Background(), plans)
	require.NoError(t, res.Err())

	got = h.band(t, band.ID)
	assert.Equal(t, core.BandHolding, got.Status)
	assert.True(t, got.BuyNetQuantity.Equal(d("1.998")), "net %s", got.BuyNetQuantity)
	assert.Equal(t, "ETH", got.BuyFeeCurrency)
	var sells []core.Order
	for _, o := range gw.placedOrders() {
		if o.Side == core.Sell {
			sells = append(sells, o)
		}
	}
	require.Len(t, sells, 1)
	assert.True(t, sells[0].Qty.Equal(d("1.998")), "sell qty %s", sells[0].Qty)
}

func TestReconcileTradeFetchFailureKeepsHolding(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "104")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandHolding,
		BuyOrderID: "B", BuyFilledQty: d("1"), BuyNetQuantity: d("1"), SellOrderID: "S",
	})
	gw.finish(core.Order{ID: "S", Symbol: eth, Side: core.Sell, Type: core.Limit, Price: d("105"), Qty: d("1")},
		core.OrderFilled, "1", "105", "0.105", "USDT")
	gw.tradesErr = errors.Join(errors.New("myTrades 503"), core.ErrTransient)
	plans := []SymbolPlan{ethPlan(1, "100", "105", "110")}

	require.NoError(t, h.eng.RunCycle(context.Background(), plans).Err())
	assert.Equal(t, core.BandHolding, h.band(t, band.ID).Status)

	gw.tradesErr = nil
	require.NoError(t, h.eng.RunCycle(context.Background(), plans).Err())
	got := h.band(t, band.ID)
	assert.Equal(t, core.BandCompleted, got.Status)
	assert.True(t, got.SellFeeAmount.Equal(d("0.105")))
	assert.Equal(t, "USDT", got.SellFeeCurrency)
}

func TestReconcileOrderNotFoundLeavesBandUnchanged(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("0.1"), Status: core.BandWaiting, BuyOrderID: "GONE"})

	for i := 0; i < 2; i++ {
		res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
		require.NoError(t, res.Err())
	}

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandWaiting, got.Status)
	assert.Nil(t, got.BuyFilledAt)
	assert.True(t, got.BuyFilledQty.IsZero())
	assert.Empty(t, gw.placedOrders())
	assert.Contains(t, h.events(logrus.ErrorLevel), "order_not_found")
}

func TestReconcileLeavesWorkingOrderMissingFromOpenList(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandWaiting, BuyOrderID: "P"})
	gw.finish(core.Order{ID: "P", Symbol: eth, Side: core.Buy, Price: d("100"), Qty: d("1")},
		core.OrderPartiallyFilled, "0.4", "40", "0", "")

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())
	assert.Equal(t, core.BandWaiting, h.band(t, band.ID).Status)
	assert.Empty(t, gw.placedOrders())
}

func TestReconcilePartialTerminalFillCountsAsFilled(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandWaiting, BuyOrderID: "P"})
	gw.finish(core.Order{ID: "P", Symbol: eth, Side: core.Buy, Price: d("100"), Qty: d("1")},
		core.OrderCanceled, "0.5", "50", "0.05", "BNB")

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandHolding, got.Status)
	assert.True(t, got.BuyFilledQty.Equal(d("0.5")))
	assert.True(t, got.BuyNetQuantity.Equal(d("0.5")), "fee in BNB must not reduce the base quantity")
	assert.Equal(t, "BNB", got.BuyFeeCurrency)
	placed := gw.placedOrders()
	require.Len(t, placed, 1)
	assert.True(t, placed[0].Qty.Equal(d("0.5")))
	assert.Contains(t, h.events(logrus.InfoLevel), "fee_not_in_base_asset")
}

func TestReconcileUnfilledCancelledBuyDeletesBand(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "120")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandWaiting, BuyOrderID: "C"})
	gw.finish(core.Order{ID: "C", Symbol: eth, Side: core.Buy, Price: d("100"), Qty: d("1")},
		core.OrderExpired, "0", "0", "0", "")

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{{Symbol: eth, Levels: levels("100", "105"), Bands: 1}})
	require.NoError(t, res.Err())

	all, err := h.bands.ListByStatus(context.Background(), eth)
	require.NoError(t, err)
	for _, b := range all {
		assert.NotEqual(t, band.ID, b.ID)
	}
	assert.Contains(t, h.events(logrus.WarnLevel), "buy_closed_unfilled")
}

func TestReconcileSellFillCompletesBand(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "104")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandHolding,
		BuyOrderID: "B", BuyFilledQty: d("1"), BuyExecutedPrice: d("100"),
		BuyFeeAmount: d("0.001"), BuyFeeCurrency: "ETH", BuyNetQuantity: d("0.999"),
		SellOrderID: "S",
	})
	gw.finish(core.Order{ID: "S", Symbol: eth, Side: core.Sell, Price: d("105"), Qty: d("0.999")},
		core.OrderFilled, "0.999", "104.895", "0.104895", "USDT")

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandCompleted, got.Status)
	assert.True(t, got.SellFilledQty.Equal(d("0.999")))
	assert.True(t, got.SellExecutedPrice.Equal(d("105")))
	assert.Equal(t, "USDT", got.SellFeeCurrency)
	assert.NotNil(t, got.SellFilledAt)
	assert.Contains(t, h.events(logrus.InfoLevel), "band_completed")

	// A completed band can no longer be changed.
	got.Status = core.BandWaiting
	assert.ErrorIs(t, h.bands.Update(context.Background(), got), store.ErrBandImmutable)
}

func TestReconcileUnfilledSellIsResubmitted(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "103")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandHolding,
		BuyOrderID: "B", BuyFilledQty: d("1"), BuyNetQuantity: d("1"), SellOrderID: "S",
	})
	gw.finish(core.Order{ID: "S", Symbol: eth, Side: core.Sell, Price: d("105"), Qty: d("1")},
		core.OrderCanceled, "0", "0", "0", "")

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandHolding, got.Status)
	assert.NotEqual(t, "S", got.SellOrderID)
	assert.Contains(t, h.events(logrus.WarnLevel), "sell_closed_unfilled")
}

func TestRetryMarketSellWhenPriceReachedTarget(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "106")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandReadyToSell,
		BuyOrderID: "B", BuyFilledQty: d("1"), BuyExecutedPrice: d("100"), BuyNetQuantity: d("0.999"),
	})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{{Symbol: eth, Levels: levels("100", "105"), USDPerOrder: d("10"), Bands: 1}})
	require.NoError(t, res.Err())

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandCompleted, got.Status)
	assert.True(t, got.SellExecutedPrice.Equal(d("106")))
	assert.True(t, got.SellFilledQty.Equal(d("0.999")))
	placed := gw.placedOrders()
	require.NotEmpty(t, placed)
	assert.Equal(t, core.Market, placed[0].Type)
	assert.Equal(t, placed[0].ID, got.SellOrderID)
	assert.Contains(t, h.events(logrus.InfoLevel), "market_fallback")
}

func TestRetryResubmitsLimitSellBelowTarget(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "101")
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandReadyToSell,
		BuyOrderID: "B", BuyFilledQty: d("1"), BuyNetQuantity: d("0.999"),
	})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())

	placed := gw.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, core.Limit, placed[0].Type)
	assert.True(t, placed[0].Price.Equal(d("105")))
	assert.Equal(t, core.BandHolding, h.band(t, band.ID).Status)
}

func TestRetryLeavesBandWithOpenSellAlone(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "101")
	h := newHarness(t, gw)
	gw.openOrder(core.Order{ID: "S", Symbol: eth, Side: core.Sell, Price: d("105"), Qty: d("1")})
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandReadyToSell,
		BuyOrderID: "B", BuyFilledQty: d("1"), BuyNetQuantity: d("1"), SellOrderID: "S",
	})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())
	assert.Empty(t, gw.placedOrders())
	assert.Equal(t, core.BandReadyToSell, h.band(t, band.ID).Status)
}

func TestRetryReportsUnsellableBandOnce(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "101")
	gw.rules = core.Rules{MinQty: d("0.01"), QtyStep: d("0.001"), PriceTick: d("0.01")}
	h := newHarness(t, gw)
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("0.01"), Status: core.BandReadyToSell,
		BuyOrderID: "B", BuyFilledQty: d("0.01"), BuyNetQuantity: d("0.00999"),
		BuyFeeAmount: d("0.00001"), BuyFeeCurrency: "ETH",
	})
	plans := []SymbolPlan{{Symbol: eth, Levels: levels("100", "105"), USDPerOrder: d("10"), Bands: 1}}

	for i := 0; i < 3; i++ {
		require.NoError(t, h.eng.RunCycle(context.Background(), plans).Err())
	}

	assert.Equal(t, core.BandReadyToSell, h.band(t, band.ID).Status)
	assert.Empty(t, gw.placedOrders())
	assert.Equal(t, []string{"sell_unsellable"}, h.events(logrus.ErrorLevel))
	assert.Len(t, filterEvents(h.events(logrus.DebugLevel), "sell_below_minimum"), 2)
}

func TestRetryIgnoresOpenBuyWithSellOrderID(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "101")
	h := newHarness(t, gw)
	gw.openOrder(core.Order{ID: "S", Symbol: eth, Side: core.Buy, Price: d("95"), Qty: d("1")})
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("1"), Status: core.BandReadyToSell,
		BuyOrderID: "B", BuyFilledQty: d("1"), BuyNetQuantity: d("1"), SellOrderID: "S",
	})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{{Symbol: eth, Levels: levels("100", "105"), USDPerOrder: d("10"), Bands: 1}})
	require.NoError(t, res.Err())

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandHolding, got.Status)
	assert.NotEqual(t, "S", got.SellOrderID)
}

func filterEvents(events []string, name string) []string {
	var out []string
	for _, e := range events {
		if e == name {
			out = append(out, e)
		}
	}
	return out
}

func TestPruneSupersedesFrontierOnPriceRise(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "111")
	h := newHarness(t, gw)
	gw.openOrder(core.Order{ID: "B100", Symbol: eth, Side: core.Buy, Price: d("100"), Qty: d("0.1")})
	old := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("0.1"), Status: core.BandWaiting, BuyOrderID: "B100"})
	plans := []SymbolPlan{ethPlan(1, "100", "105", "110")}

	res := h.eng.RunCycle(context.Background(), plans)
	require.NoError(t, res.Err())

	assert.Equal(t, []string{"B100"}, gw.cancelledIDs())
	active := h.active(t)
	require.Len(t, active, 1)
	assert.NotEqual(t, old.ID, active[0].ID)
	assert.Equal(t, core.BandWaiting, active[0].Status)
	assert.True(t, active[0].BuyPrice.Equal(d("105")))
	assert.True(t, active[0].SellPrice.Equal(d("110")))
	assert.Contains(t, h.events(logrus.InfoLevel), "band_pruned")

	// Same price, same venue state: nothing more happens.
	placedBefore := len(gw.placedOrders())
	res = h.eng.RunCycle(context.Background(), plans)
	require.NoError(t, res.Err())
	assert.Len(t, gw.placedOrders(), placedBefore)
	assert.Equal(t, []string{"B100"}, gw.cancelledIDs())
	after := h.active(t)
	require.Len(t, after, 1)
	assert.Equal(t, active[0].ID, after[0].ID)
	assert.Equal(t, core.BandWaiting, after[0].Status)
}

func TestPruneCancelFailureStillDeletesAndJournalsOrphan(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "111")
	gw.cancelErr = errors.Join(errors.New("connection reset"), core.ErrTransient)
	h := newHarness(t, gw)
	old := h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("0.1"), Status: core.BandWaiting, BuyOrderID: "B100"})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())

	for _, b := range h.active(t) {
		assert.NotEqual(t, old.ID, b.ID)
	}
	orphans, err := h.state.LoadOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, old.ID, orphans[0].BandID)
	assert.Equal(t, "B100", orphans[0].BuyOrderID)
	assert.Equal(t, pruneSuperseded, orphans[0].Reason)
	assert.Contains(t, orphans[0].CancelError, "connection reset")
	assert.Equal(t, res.RunID, orphans[0].RunID)
	assert.Contains(t, h.events(logrus.WarnLevel), "band_cancel_failed")
}

func TestPruneTrimsExcessButKeepsFilledAndFrontier(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "108")
	h := newHarness(t, gw)
	gw.openOrder(core.Order{ID: "S95", Symbol: eth, Side: core.Sell, Price: d("100"), Qty: d("0.1")})
	gw.openOrder(core.Order{ID: "B100", Symbol: eth, Side: core.Buy, Price: d("100"), Qty: d("0.1")})
	gw.openOrder(core.Order{ID: "B105", Symbol: eth, Side: core.Buy, Price: d("105"), Qty: d("0.1")})
	h.insert(t, core.Band{BuyPrice: d("95"), SellPrice: d("100"), Qty: d("0.1"), Status: core.BandHolding,
		BuyOrderID: "B95", BuyFilledQty: d("0.1"), BuyNetQuantity: d("0.1"), SellOrderID: "S95"})
	h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("0.1"), Status: core.BandWaiting, BuyOrderID: "B100"})
	h.insert(t, core.Band{BuyPrice: d("105"), SellPrice: d("110"), Qty: d("0.1"), Status: core.BandWaiting, BuyOrderID: "B105"})
	plans := []SymbolPlan{ethPlan(2, "95", "100", "105", "110")}

	res := h.eng.RunCycle(context.Background(), plans)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"B100"}, gw.cancelledIDs())

	var prices []string
	for _, b := range h.active(t) {
		prices = append(prices, b.BuyPrice.String())
	}
	assert.Equal(t, []string{"95", "105"}, prices)

	res = h.eng.RunCycle(context.Background(), plans)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"B100"}, gw.cancelledIDs())
	assert.Empty(t, gw.placedOrders())
}

func TestPruneKeepsWindowSeededForSeveralBands(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "112")
	h := newHarness(t, gw)
	plans := []SymbolPlan{ethPlan(2, "95", "100", "105", "110", "115")}

	res := h.eng.RunCycle(context.Background(), plans)
	require.NoError(t, res.Err())
	assert.Len(t, gw.placedOrders(), 2)
	assert.Empty(t, gw.cancelledIDs())
	assert.Len(t, h.active(t), 2)
}

func TestRunCycleIsolatesSymbolFailures(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	gw.setPrice("BAD/USDT", "1")
	gw.panicOn = "BAD/USDT"
	gw.listed = map[string]bool{eth: true, "BAD/USDT": true}
	h := newHarness(t, gw)

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{
		{Symbol: "BAD/USDT", Levels: levels("1", "2"), USDPerOrder: d("10"), Bands: 1},
		{Symbol: "GONE/USDT", Levels: levels("1", "2"), USDPerOrder: d("10"), Bands: 1},
		ethPlan(1, "100", "105", "110"),
	})

	assert.Equal(t, []string{"BAD/USDT"}, res.Failed)
	assert.Equal(t, []string{"GONE/USDT"}, res.Skipped)
	assert.Equal(t, []string{eth}, res.Processed)
	assert.Error(t, res.Err())
	assert.Len(t, h.active(t), 1)
	assert.Contains(t, h.events(logrus.ErrorLevel), "symbol_panic")
	assert.Contains(t, h.events(logrus.WarnLevel), "symbol_not_listed")
}

func TestRunCycleContinuesPhasesAfterTransientFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	gw.openErr = errors.Join(errors.New("502 bad gateway"), core.ErrTransient)
	h := newHarness(t, gw)
	h.insert(t, core.Band{BuyPrice: d("95"), SellPrice: d("100"), Qty: d("0.1"), Status: core.BandWaiting, BuyOrderID: "B95"})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(2, "95", "100", "105", "110")})
	assert.Equal(t, []string{eth}, res.Failed)
	assert.Contains(t, h.events(logrus.WarnLevel), "phase_failed")

	// Seeding still ran after the reconcile phase gave up.
	require.Len(t, gw.placedOrders(), 1)
	assert.True(t, gw.placedOrders()[0].Price.Equal(d("100")))
}

type failingInsertStore struct {
	store.BandStore
}

func (failingInsertStore) Insert(context.Context, core.Band) (int64, error) {
	return 0, errors.New("disk full")
}

func TestStoreFailureAbortsSymbolPass(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	h := newHarness(t, gw, func(o *Options) { o.Bands = failingInsertStore{o.Bands} })

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	assert.Equal(t, []string{eth}, res.Failed)
	assert.Len(t, gw.placedOrders(), 1, "seed stops after the failed insert and prune never runs")
	assert.Contains(t, h.events(logrus.ErrorLevel), "buy_untracked")
}

func TestBalanceSizingOverridesOrderSize(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "102")
	gw.quoteFree = d("1000")
	h := newHarness(t, gw, func(o *Options) {
		o.Sizing = Sizing{QuoteAsset: "USDT", BalancePercent: d("0.02")}
	})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())
	placed := gw.placedOrders()
	require.Len(t, placed, 1)
	assert.True(t, placed[0].Qty.Equal(d("0.2")), "qty %s", placed[0].Qty)
	assert.Contains(t, h.events(logrus.InfoLevel), "sizing_applied")
}

func TestCancelOpenBuysRemovesOnlyWaitingBands(t *testing.T) {
	gw := newFakeGateway()
	h := newHarness(t, gw)
	gw.openOrder(core.Order{ID: "B1", Symbol: eth, Side: core.Buy})
	h.insert(t, core.Band{BuyPrice: d("100"), SellPrice: d("105"), Qty: d("0.1"), Status: core.BandWaiting, BuyOrderID: "B1"})
	h.insert(t, core.Band{Symbol: "BTC/USDT", BuyPrice: d("60000"), SellPrice: d("61000"), Qty: d("0.001"), Status: core.BandWaiting, BuyOrderID: "B2"})
	held := h.insert(t, core.Band{BuyPrice: d("95"), SellPrice: d("100"), Qty: d("0.1"), Status: core.BandHolding,
		BuyOrderID: "B3", BuyFilledQty: d("0.1"), SellOrderID: "S3"})

	n, err := h.eng.CancelOpenBuys(context.Background(), eth)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"B1"}, gw.cancelledIDs())

	n, err = h.eng.CancelOpenBuys(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := h.bands.ListByStatus(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, held.ID, left[0].ID)

	// B2 was never open on the venue, so it is journalled as a possible orphan.
	orphans, err := h.state.LoadOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "B2", orphans[0].BuyOrderID)
	assert.Equal(t, pruneManual, orphans[0].Reason)
}
