package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/core"
	"bandgrid/internal/grid"
)

// seed tops the symbol up to its band target, walking the ladder from the
// pair closest to price and skipping buy prices that already have a band.
func (p *pass) seed(ctx context.Context) error {
	price, err := p.price(ctx)
	if err != nil {
		return err
	}
	ladder := grid.Ladder(p.levels, price)
	if len(ladder) == 0 {
		p.log.WithFields(logrus.Fields{"event": "no_eligible_band", "price": price.String()}).Info("no grid level below price")
		return nil
	}
	active, err := p.bands.ListByStatus(ctx, p.plan.Symbol, core.ActiveStatuses...)
	if err != nil {
		return storeErr("list active bands", err)
	}
	under := 0
	for _, b := range active {
		if b.BuyPrice.LessThan(price) {
			under++
		}
	}
	needed := p.plan.Bands - under
	if needed <= 0 {
		return nil
	}

	for _, pair := range ladder {
		if needed == 0 {
			break
		}
		if hasBuyPrice(active, pair.Buy) {
			continue
		}
		placed, err := p.placeBuy(ctx, pair, "seed")
		if err != nil {
			if errors.Is(err, errStore) {
				return err
			}
			if errors.Is(err, core.ErrInsufficientBalance) || ctx.Err() != nil {
				break
			}
			continue
		}
		if placed {
			needed--
		}
	}
	return nil
}

func hasBuyPrice(bands []core.Band, price decimal.Decimal) bool {
	for _, b := range bands {
		if b.BuyPrice.Equal(price) {
			return true
		}
	}
	return false
}

// placeBuy submits a limit buy for pair and inserts its waiting band once the
// venue accepted the order. Submission errors are logged and returned; a
// store failure after acceptance returns an errStore error.
func (p *pass) placeBuy(ctx context.Context, pair grid.Pair, reason string) (bool, error) {
	log := p.log.WithFields(logrus.Fields{
		"buy_price":  pair.Buy.String(),
		"sell_price": pair.Sell.String(),
		"reason":     reason,
	})
	usd := p.plan.USDPerOrder
	if !usd.IsPositive() {
		log.WithField("event", "order_size_missing").Warn("no order size for symbol")
		return false, nil
	}
	order, err := core.NormalizeOrder(core.Order{
		Symbol: p.plan.Symbol,
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  pair.Buy,
		Qty:    usd.Div(pair.Buy),
	}, p.rules)
	if err != nil {
		log.WithFields(logrus.Fields{"event": "buy_below_minimum", "usd_per_order": usd.String()}).WithError(err).Warn("buy does not meet venue minimums, skipped")
		return false, nil
	}
	placed, err := p.submit(ctx, order)
	if err != nil {
		log.WithFields(logrus.Fields{"event": "buy_submit_failed", "qty": order.Qty.String()}).WithError(err).Error("buy submission failed")
		return false, err
	}
	now := p.now().UTC()
	band := core.Band{
		Symbol:         p.plan.Symbol,
		BuyPrice:       pair.Buy,
		SellPrice:      pair.Sell,
		Qty:            order.Qty,
		Status:         core.BandWaiting,
		CreatedAt:      now,
		BuyOrderID:     placed.ID,
		BuySubmittedAt: &now,
	}
	id, err := p.bands.Insert(ctx, band)
	if err != nil {
		log.WithFields(logrus.Fields{"event": "buy_untracked", "order_id": placed.ID}).WithError(err).Error("buy placed but band insert failed")
		return false, storeErr(fmt.Sprintf("insert band for order %s", placed.ID), err)
	}
	log.WithFields(logrus.Fields{
		"event":    "buy_placed",
		"band_id":  id,
		"order_id": placed.ID,
		"qty":      order.Qty.String(),
	}).Info("buy placed")
	return true, nil
}
