package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/core"
	"bandgrid/internal/exchange"
)

// retry recovers ready_to_sell bands that have no live sell order: a market
// sell when price already reached the target, otherwise a new limit sell.
func (p *pass) retry(ctx context.Context) error {
	stuck, err := p.bands.ListByStatus(ctx, p.plan.Symbol, core.BandReadyToSell)
	if err != nil {
		return storeErr("list ready bands", err)
	}
	if len(stuck) == 0 {
		return nil
	}
	open, err := p.gw.OpenOrders(ctx, p.plan.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	sells := make([]core.Order, 0, len(open))
	for _, o := range open {
		if o.Side == core.Sell {
			sells = append(sells, o)
		}
	}
	openIDs := exchange.OpenOrderIDs(sells)

	for _, band := range stuck {
		if band.SellOrderID != "" {
			if _, ok := openIDs[band.SellOrderID]; ok {
				continue
			}
		}
		price, err := p.price(ctx)
		if err != nil {
			return err
		}
		if price.GreaterThanOrEqual(band.SellPrice) {
			err = p.marketSell(ctx, band, price)
		} else {
			err = p.placeSell(ctx, band)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func sellQty(band core.Band) decimal.Decimal {
	if band.BuyNetQuantity.IsPositive() {
		return band.BuyNetQuantity
	}
	return band.BuyFilledQty
}

// placeSell submits the limit sell paired with a filled buy and moves the
// band to holding. Any rejection leaves the band ready_to_sell for retry.
func (p *pass) placeSell(ctx context.Context, band core.Band) error {
	log := p.bandLog(band)
	qty := sellQty(band)
	if !qty.IsPositive() {
		p.unsellable(log, band, errors.New("band has no filled quantity to sell"))
		return nil
	}
	order, err := core.NormalizeOrder(core.Order{
		Symbol: band.Symbol,
		Side:   core.Sell,
		Type:   core.Limit,
		Price:  band.SellPrice,
		Qty:    qty,
	}, p.rules)
	if err != nil {
		p.unsellable(log.WithField("qty", qty.String()), band, err)
		return nil
	}
	placed, err := p.submit(ctx, order)
	if err != nil {
		log.WithFields(logrus.Fields{"event": "sell_submit_failed", "qty": order.Qty.String()}).WithError(err).Error("sell submission failed, band stays ready_to_sell")
		return nil
	}
	p.stuck.Delete(band.ID)
	now := p.now().UTC()
	band.SellOrderID = placed.ID
	band.SellSubmittedAt = &now
	band.Status = core.BandHolding
	if err := p.bands.Update(ctx, band); err != nil {
		log.WithFields(logrus.Fields{"event": "sell_untracked", "order_id": placed.ID}).WithError(err).Error("sell placed but band update failed")
		return storeErr("record sell order", err)
	}
	log.WithFields(logrus.Fields{
		"event":    "sell_placed",
		"order_id": placed.ID,
		"qty":      order.Qty.String(),
		"price":    order.Price.String(),
	}).Info("sell placed")
	return nil
}

// marketSell closes a band at market once price is at or above its target.
func (p *pass) marketSell(ctx context.Context, band core.Band, price decimal.Decimal) error {
	log := p.bandLog(band).WithField("price", price.String())
	order, err := core.NormalizeOrder(core.Order{
		Symbol: band.Symbol,
		Side:   core.Sell,
		Type:   core.Market,
		Price:  price,
		Qty:    sellQty(band),
	}, p.rules)
	if err != nil {
		p.unsellable(log, band, err)
		return nil
	}
	order.Price = decimal.Zero

	log.WithFields(logrus.Fields{"event": "market_fallback", "qty": order.Qty.String()}).Info("price at or above target, selling at market")
	placed, err := p.submit(ctx, order)
	if err != nil {
		log.WithField("event", "market_sell_failed").WithError(err).Error("market sell failed, band stays ready_to_sell")
		return nil
	}
	if !placed.ExecutedQty.IsPositive() {
		got, err := p.gw.QueryOrder(ctx, band.Symbol, placed.ID)
		if err != nil {
			log.WithFields(logrus.Fields{"event": "order_query_failed", "order_id": placed.ID}).WithError(err).Warn("market order query failed")
		} else {
			placed = got
		}
	}
	if !placed.ExecutedQty.IsPositive() {
		placed.ExecutedQty = order.Qty
	}
	p.stuck.Delete(band.ID)
	trades, err := p.gw.Trades(ctx, band.Symbol, placed.ID)
	if err != nil {
		log.WithFields(logrus.Fields{"event": "trades_fetch_failed", "order_id": placed.ID}).WithError(err).Warn("trade fetch failed, market sell fee assumed zero")
	}
	fill := p.fillFrom(placed, trades, price)
	now := p.now().UTC()
	band.SellSubmittedAt = &now
	return p.complete(ctx, band, placed.ID, fill, true)
}

// unsellable reports a band whose holding cannot form a valid sell. The first
// cycle that sees it logs at error level; later cycles only at debug.
func (p *pass) unsellable(log logrus.FieldLogger, band core.Band, err error) {
	if _, seen := p.stuck.LoadOrStore(band.ID, struct{}{}); seen {
		log.WithField("event", "sell_below_minimum").WithError(err).Debug("band still unsellable")
		return
	}
	log.WithFields(logrus.Fields{
		"event":    "sell_unsellable",
		"net_qty":  sellQty(band).String(),
		"buy_fee":  band.BuyFeeAmount.String(),
		"fee_unit": band.BuyFeeCurrency,
	}).WithError(err).Error("holding cannot be sold within venue minimums, band stays ready_to_sell")
}
