package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandgrid/internal/core"
	"bandgrid/internal/exchange/paper"
	"bandgrid/internal/metrics"
	"bandgrid/internal/store"
)

func TestPaperMarketFallbackRecordsExecutionPrice(t *testing.T) {
	venue, err := paper.New(paper.Options{TakerRate: d("0.001"), InitialQuote: d("1000")})
	require.NoError(t, err)
	venue.Deposit("ETH", d("0.0999"))
	venue.SetPrice(eth, d("106"))
	h := newHarness(t, venue)
	band := h.insert(t, core.Band{
		BuyPrice: d("100"), SellPrice: d("105"), Qty: d("0.1"), Status: core.BandReadyToSell,
		BuyOrderID: "paper-0", BuyFilledQty: d("0.1"), BuyExecutedPrice: d("100"),
		BuyFeeAmount: d("0.0001"), BuyFeeCurrency: "ETH", BuyNetQuantity: d("0.0999"),
	})

	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(1, "100", "105", "110")})
	require.NoError(t, res.Err())

	got := h.band(t, band.ID)
	assert.Equal(t, core.BandCompleted, got.Status)
	assert.True(t, got.SellExecutedPrice.Equal(d("106")), "sell price %s", got.SellExecutedPrice)
	assert.True(t, got.SellFilledQty.Equal(d("0.0999")))
	assert.Equal(t, "USDT", got.SellFeeCurrency)
	assert.True(t, got.SellFeeAmount.IsPositive())
}

// TestPaperPriceWalk drives several cycles over a moving price and checks
// the lifecycle invariants after each one.
func TestPaperPriceWalk(t *testing.T) {
	venue, err := paper.New(paper.Options{MakerRate: d("0.001"), TakerRate: d("0.001"), InitialQuote: d("1000")})
	require.NoError(t, err)
	rec := metrics.New()
	h := newHarness(t, venue, func(o *Options) { o.Metrics = rec })
	plans := []SymbolPlan{ethPlan(2, "90", "95", "100", "105", "110", "115")}

	for _, price := range []string{"102", "99", "99", "106", "106", "112", "94", "101", "116"} {
		venue.SetPrice(eth, d(price))
		res := h.eng.RunCycle(context.Background(), plans)
		require.NoError(t, res.Err(), "price %s", price)
		assertBandInvariants(t, h.bands)
	}

	completed, err := h.bands.ListByStatus(context.Background(), eth, core.BandCompleted)
	require.NoError(t, err)
	require.NotEmpty(t, completed)
	for _, b := range completed {
		assert.True(t, b.RealizedQuote().IsPositive(), "band %d realized %s", b.ID, b.RealizedQuote())
	}

	fees := venue.FeesPaid()
	assert.True(t, fees["ETH"].IsPositive())
	assert.True(t, fees["USDT"].IsPositive())
}

func assertBandInvariants(t *testing.T, bands store.BandStore) {
	t.Helper()
	all, err := bands.ListByStatus(context.Background(), eth)
	require.NoError(t, err)

	seen := map[string]int64{}
	for _, b := range all {
		if b.Status != core.BandCompleted {
			key := b.BuyPrice.String()
			if other, dup := seen[key]; dup {
				t.Fatalf("bands %d and %d both active at buy %s", other, b.ID, key)
			}
			seen[key] = b.ID
		}
		if b.BuyFilledQty.IsPositive() && b.BuyFeeCurrency == core.BaseAsset(b.Symbol) {
			want := b.BuyFilledQty.Sub(b.BuyFeeAmount)
			assert.True(t, b.BuyNetQuantity.Equal(want), "band %d net %s want %s", b.ID, b.BuyNetQuantity, want)
		}
		switch b.Status {
		case core.BandWaiting:
			assert.Nil(t, b.BuyFilledAt)
		case core.BandHolding:
			assert.NotEmpty(t, b.SellOrderID)
			assert.NotNil(t, b.BuyFilledAt)
		case core.BandCompleted:
			assert.NotNil(t, b.SellFilledAt)
			assert.True(t, b.SellFilledQty.IsPositive())
		}
		assert.True(t, b.BuyPrice.LessThan(b.SellPrice))
	}
}

func TestSubmitIntervalSpacesOrders(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "112")
	h := newHarness(t, gw, func(o *Options) { o.SubmitInterval = 30 * time.Millisecond })

	start := time.Now()
	res := h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(3, "95", "100", "105", "110", "115")})
	require.NoError(t, res.Err())
	require.Len(t, gw.placedOrders(), 3)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestThrottleGivesUpAtSymbolDeadline(t *testing.T) {
	gw := newFakeGateway()
	gw.setPrice(eth, "112")
	h := newHarness(t, gw, func(o *Options) {
		o.SubmitInterval = time.Hour
		o.SymbolTimeout = time.Second
	})

	start := time.Now()
	h.eng.RunCycle(context.Background(), []SymbolPlan{ethPlan(3, "95", "100", "105", "110", "115")})
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, gw.placedOrders(), 1)
	assert.Contains(t, h.events(logrus.ErrorLevel), "buy_submit_failed")
}
