package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/core"
	"bandgrid/internal/grid"
)

const (
	pruneSuperseded = "superseded"
	pruneExcess     = "excess"
)

// prune drops waiting bands that price has moved away from, trims waiting
// bands beyond the target and re-creates the frontier band when it is
// missing. Running it again without a price or venue change mutates nothing.
func (p *pass) prune(ctx context.Context) error {
	price, err := p.price(ctx)
	if err != nil {
		return err
	}
	ladder := grid.Ladder(p.levels, price)
	if len(ladder) == 0 {
		return nil
	}
	frontier := ladder[0]
	boundary := ladder[min(p.plan.Bands, len(ladder))-1].Buy

	waiting, err := p.bands.ListByStatus(ctx, p.plan.Symbol, core.BandWaiting)
	if err != nil {
		return storeErr("list waiting bands", err)
	}
	for _, band := range waiting {
		if band.BuyPrice.LessThan(boundary) {
			if err := p.dropBand(ctx, p.log, p.runID, band, pruneSuperseded); err != nil {
				return err
			}
		}
	}

	if err := p.trimExcess(ctx, price, frontier.Buy); err != nil {
		return err
	}

	existing, err := p.bands.FindByBuyPrice(ctx, p.plan.Symbol, frontier.Buy, core.ActiveStatuses...)
	if err != nil {
		return storeErr("find frontier band", err)
	}
	if len(existing) > 0 {
		return nil
	}
	p.log.WithFields(logrus.Fields{"event": "frontier_missing", "buy_price": frontier.Buy.String()}).Info("placing frontier band")
	if _, err := p.placeBuy(ctx, frontier, "gap_fill"); errors.Is(err, errStore) {
		return err
	}
	return nil
}

// trimExcess removes the lowest waiting bands while more active bands sit
// under price than the target allows. Bands with a filled buy and the
// frontier band are never trimmed.
func (p *pass) trimExcess(ctx context.Context, price, frontier decimal.Decimal) error {
	active, err := p.bands.ListByStatus(ctx, p.plan.Symbol, core.ActiveStatuses...)
	if err != nil {
		return storeErr("list active bands", err)
	}
	var under, candidates []core.Band
	for _, b := range active {
		if !b.BuyPrice.LessThan(price) {
			continue
		}
		under = append(under, b)
		if b.Status == core.BandWaiting && !b.BuyPrice.Equal(frontier) {
			candidates = append(candidates, b)
		}
	}
	excess := len(under) - p.plan.Bands
	if excess <= 0 || len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].BuyPrice.LessThan(candidates[j].BuyPrice) })
	p.log.WithFields(logrus.Fields{"event": "bands_over_target", "under_price": len(under), "target": p.plan.Bands}).Info("trimming excess bands")
	for i := 0; i < excess && i < len(candidates); i++ {
		if err := p.dropBand(ctx, p.log, p.runID, candidates[i], pruneExcess); err != nil {
			return err
		}
	}
	return nil
}
