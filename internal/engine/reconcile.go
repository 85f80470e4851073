package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/core"
	"bandgrid/internal/exchange"
)

// reconcile settles waiting and holding bands whose order has left the open
// order list. The open list only says "something happened"; the order and its
// trades are queried for the authoritative fill.
func (p *pass) reconcile(ctx context.Context) error {
	pending, err := p.bands.ListByStatus(ctx, p.plan.Symbol, core.BandWaiting, core.BandHolding)
	if err != nil {
		return storeErr("list pending bands", err)
	}
	if len(pending) == 0 {
		return nil
	}
	open, err := p.gw.OpenOrders(ctx, p.plan.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	openIDs := exchange.OpenOrderIDs(open)

	for _, band := range pending {
		orderID := band.BuyOrderID
		if band.Status == core.BandHolding {
			orderID = band.SellOrderID
		}
		if orderID == "" {
			p.bandLog(band).WithField("event", "band_without_order").Warn("pending band has no order id")
			continue
		}
		if _, ok := openIDs[orderID]; ok {
			continue
		}
		if err := p.settleLeg(ctx, band, orderID); err != nil {
			return err
		}
	}
	return nil
}

func (p *pass) settleLeg(ctx context.Context, band core.Band, orderID string) error {
	log := p.bandLog(band).WithField("order_id", orderID)
	ord, err := p.gw.QueryOrder(ctx, p.plan.Symbol, orderID)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			log.WithField("event", "order_not_found").WithError(err).Error("order unknown to venue, band left unchanged")
		} else {
			log.WithField("event", "order_query_failed").WithError(err).Warn("order query failed, retrying next cycle")
		}
		return nil
	}
	if !ord.Status.Terminal() {
		log.WithFields(logrus.Fields{"event": "order_not_terminal", "order_status": string(ord.Status)}).Debug("order missing from open list but still working")
		return nil
	}
	if !ord.ExecutedQty.IsPositive() {
		return p.dropUnfilled(ctx, band, ord)
	}
	fallback := band.SellPrice
	if band.Status == core.BandWaiting {
		fallback = band.BuyPrice
	}
	fill, err := p.settle(ctx, ord, fallback)
	if err != nil {
		log.WithField("event", "trades_fetch_failed").WithError(err).Warn("trade fetch failed, band left for next cycle")
		return nil
	}
	if band.Status == core.BandWaiting {
		return p.buyFilled(ctx, band, ord.ID, fill)
	}
	return p.complete(ctx, band, ord.ID, fill, false)
}

// dropUnfilled handles orders the venue closed without any execution.
func (p *pass) dropUnfilled(ctx context.Context, band core.Band, ord core.Order) error {
	log := p.bandLog(band).WithFields(logrus.Fields{"order_id": ord.ID, "order_status": string(ord.Status)})
	if band.Status == core.BandWaiting {
		if err := p.bands.Delete(ctx, band.ID); err != nil {
			return storeErr("delete unfilled band", err)
		}
		log.WithField("event", "buy_closed_unfilled").Warn("buy order closed without execution, band removed")
		return nil
	}
	band.Status = core.BandReadyToSell
	band.SellOrderID = ""
	band.SellSubmittedAt = nil
	if err := p.bands.Update(ctx, band); err != nil {
		return storeErr("reset sell leg", err)
	}
	log.WithField("event", "sell_closed_unfilled").Warn("sell order closed without execution, band back to ready_to_sell")
	return nil
}

func (p *pass) buyFilled(ctx context.Context, band core.Band, orderID string, fill core.Fill) error {
	now := p.now().UTC()
	band.BuyFilledAt = &now
	band.BuyFilledQty = fill.Qty
	band.BuyExecutedPrice = fill.Price
	band.BuyFeeAmount = fill.FeeAmount
	band.BuyFeeCurrency = fill.FeeCurrency
	band.BuyNetQuantity = fill.NetQty
	band.Status = core.BandReadyToSell
	if err := p.bands.Update(ctx, band); err != nil {
		return storeErr("record buy fill", err)
	}
	log := p.bandLog(band)
	p.recordFill(log, band, core.Buy, orderID, fill, false)
	log.WithFields(logrus.Fields{
		"event":    "buy_filled",
		"order_id": orderID,
		"qty":      fill.Qty.String(),
		"price":    fill.Price.String(),
		"net_qty":  fill.NetQty.String(),
	}).Info("buy filled")
	return p.placeSell(ctx, band)
}

// complete records the sell leg and closes the band.
func (p *pass) complete(ctx context.Context, band core.Band, orderID string, fill core.Fill, market bool) error {
	now := p.now().UTC()
	band.SellOrderID = orderID
	band.SellFilledAt = &now
	band.SellFilledQty = fill.Qty
	band.SellExecutedPrice = fill.Price
	band.SellFeeAmount = fill.FeeAmount
	band.SellFeeCurrency = fill.FeeCurrency
	band.Status = core.BandCompleted
	if err := p.bands.Update(ctx, band); err != nil {
		return storeErr("record sell fill", err)
	}
	log := p.bandLog(band)
	p.recordFill(log, band, core.Sell, orderID, fill, market)
	pnl := band.RealizedQuote()
	p.metrics.Realized(band.Symbol, pnl)
	log.WithFields(logrus.Fields{
		"event":    "band_completed",
		"order_id": orderID,
		"qty":      fill.Qty.String(),
		"price":    fill.Price.String(),
		"market":   market,
		"realized": pnl.String(),
	}).Info("band completed")
	return nil
}

// settle fetches the trades of a terminal order and builds its fill. A failed
// fetch is returned so the caller can leave the band for the next cycle.
func (p *pass) settle(ctx context.Context, ord core.Order, fallback decimal.Decimal) (core.Fill, error) {
	trades, err := p.gw.Trades(ctx, p.plan.Symbol, ord.ID)
	if err != nil {
		return core.Fill{}, fmt.Errorf("fetch trades: %w", err)
	}
	return p.fillFrom(ord, trades, fallback), nil
}

// fillFrom builds the fill of a terminal order. Trades supply fees and fill in
// quantity or cost the order ticket lacks; an empty trade list leaves the fee
// at zero. The price falls back to fallback when no cost is known.
func (p *pass) fillFrom(ord core.Order, trades []core.Trade, fallback decimal.Decimal) core.Fill {
	log := p.log.WithField("order_id", ord.ID)
	var tradeQty, tradeCost, fee decimal.Decimal
	var feeCurrency string
	for _, tr := range trades {
		tradeQty = tradeQty.Add(tr.Qty)
		quoteQty := tr.QuoteQty
		if quoteQty.IsZero() {
			quoteQty = tr.Price.Mul(tr.Qty)
		}
		tradeCost = tradeCost.Add(quoteQty)
		asset := strings.ToUpper(tr.FeeAsset)
		if asset == "" {
			continue
		}
		if feeCurrency == "" {
			feeCurrency = asset
		}
		if asset != feeCurrency {
			log.WithFields(logrus.Fields{"event": "fee_currency_mixed", "fee_asset": asset, "fee_currency": feeCurrency}).Warn("trade fee in a second currency ignored")
			continue
		}
		fee = fee.Add(tr.Fee)
	}

	qty, cost := ord.ExecutedQty, ord.Cost
	if !qty.IsPositive() {
		qty = tradeQty
	}
	if !cost.IsPositive() {
		cost = tradeCost
	}
	price := fallback
	if qty.IsPositive() && cost.IsPositive() {
		price = cost.Div(qty)
	}

	base := core.BaseAsset(p.plan.Symbol)
	if ord.Side == core.Buy && fee.IsPositive() && feeCurrency != base {
		log.WithFields(logrus.Fields{"event": "fee_not_in_base_asset", "fee_currency": feeCurrency, "fee": fee.String()}).Info("buy fee not charged in base asset, net quantity equals filled")
	}
	return core.Fill{
		Qty:         qty,
		Cost:        cost,
		Price:       price,
		FeeAmount:   fee,
		FeeCurrency: feeCurrency,
		NetQty:      core.NetQuantity(qty, fee, feeCurrency, base),
	}
}
