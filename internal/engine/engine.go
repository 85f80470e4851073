package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bandgrid/internal/core"
	"bandgrid/internal/exchange"
	"bandgrid/internal/grid"
	"bandgrid/internal/metrics"
	"bandgrid/internal/store"
)

var (
	errStore     = errors.New("band store failure")
	errNotListed = errors.New("symbol not listed")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errStore, err)
}

// SymbolPlan is the per-symbol input of a cycle.
type SymbolPlan struct {
	Symbol      string
	Levels      []decimal.Decimal
	USDPerOrder decimal.Decimal
	Bands       int
}

// Sizing replaces every plan's USDPerOrder with a fraction of the free quote
// balance when BalancePercent is positive.
type Sizing struct {
	QuoteAsset     string
	BalancePercent decimal.Decimal
}

type Options struct {
	Gateway exchange.Gateway
	Bands   store.BandStore
	Journal store.Journal
	Metrics *metrics.Recorder
	Logger  logrus.FieldLogger
	Sizing  Sizing
	// SubmitInterval spaces order submissions and cancels. Zero disables
	// throttling.
	SubmitInterval time.Duration
	SymbolTimeout  time.Duration
	Now            func() time.Time
}

// Engine drives the band lifecycle for a set of symbols against one venue
// and one band store. It is not safe for concurrent cycles.
type Engine struct {
	gw            exchange.Gateway
	bands         store.BandStore
	journal       store.Journal
	metrics       *metrics.Recorder
	logger        logrus.FieldLogger
	sizing        Sizing
	limiter       *rate.Limiter
	symbolTimeout time.Duration
	now           func() time.Time
	// stuck holds IDs of ready_to_sell bands already reported as unsellable.
	stuck sync.Map
}

func New(opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, errors.New("engine: gateway required")
	}
	if opts.Bands == nil {
		return nil, errors.New("engine: band store required")
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.SubmitInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.SubmitInterval), 1)
	}
	return &Engine{
		gw:            opts.Gateway,
		bands:         opts.Bands,
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		logger:        logger,
		sizing:        opts.Sizing,
		limiter:       limiter,
		symbolTimeout: opts.SymbolTimeout,
		now:           now,
	}, nil
}

type CycleResult struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Processed []string
	Skipped   []string
	Failed    []string
}

// Err summarises the failed symbols, or nil.
func (r CycleResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d symbol(s) failed: %v", len(r.Failed), r.Failed)
}

// RunCycle runs Reconcile, Retry, Seed and Prune for every plan in order. A
// failing symbol is logged and counted; it never stops the other symbols.
func (e *Engine) RunCycle(ctx context.Context, plans []SymbolPlan) CycleResult {
	res := CycleResult{RunID: uuid.NewString(), StartedAt: e.now().UTC()}
	log := e.logger.WithField("run_id", res.RunID)
	log.WithFields(logrus.Fields{"event": "cycle_started", "symbols": len(plans)}).Info("cycle started")

	plans = e.applySizing(ctx, log, plans)
	for _, plan := range plans {
		if ctx.Err() != nil {
			log.WithField("event", "cycle_interrupted").WithError(ctx.Err()).Warn("cycle interrupted")
			break
		}
		err := e.runSymbol(ctx, log, res.RunID, plan)
		switch {
		case errors.Is(err, errNotListed):
			res.Skipped = append(res.Skipped, plan.Symbol)
		case err != nil:
			res.Failed = append(res.Failed, plan.Symbol)
			e.metrics.SymbolFailed(plan.Symbol)
			log.WithFields(logrus.Fields{"event": "symbol_failed", "symbol": plan.Symbol}).WithError(err).Error("symbol pass failed")
		default:
			res.Processed = append(res.Processed, plan.Symbol)
		}
	}

	finished := e.now().UTC()
	res.Duration = finished.Sub(res.StartedAt)
	e.metrics.CycleFinished(res.Duration, len(res.Failed), finished)
	log.WithFields(logrus.Fields{
		"event":     "cycle_finished",
		"processed": len(res.Processed),
		"skipped":   len(res.Skipped),
		"failed":    len(res.Failed),
		"duration":  res.Duration.String(),
	}).Info("cycle finished")
	return res
}

func (e *Engine) applySizing(ctx context.Context, log logrus.FieldLogger, plans []SymbolPlan) []SymbolPlan {
	if !e.sizing.BalancePercent.IsPositive() {
		return plans
	}
	bal, err := e.gw.Balances(ctx)
	if err != nil {
		log.WithField("event", "sizing_balance_failed").WithError(err).Warn("balance fetch failed, keeping configured order sizes")
		return plans
	}
	usd := bal.Free(e.sizing.QuoteAsset).Mul(e.sizing.BalancePercent).Round(4)
	if !usd.IsPositive() {
		log.WithFields(logrus.Fields{"event": "sizing_zero_balance", "asset": e.sizing.QuoteAsset}).Warn("no free quote balance, keeping configured order sizes")
		return plans
	}
	out := make([]SymbolPlan, len(plans))
	for i, p := range plans {
		p.USDPerOrder = usd
		out[i] = p
	}
	log.WithFields(logrus.Fields{"event": "sizing_applied", "usd_per_order": usd.String()}).Info("order size from balance")
	return out
}

func (e *Engine) runSymbol(parent context.Context, runLog logrus.FieldLogger, runID string, plan SymbolPlan) (err error) {
	log := runLog.WithField("symbol", plan.Symbol)
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"event": "symbol_panic",
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("symbol pass panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx := parent
	if e.symbolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.symbolTimeout)
		defer cancel()
	}

	listed, err := e.gw.HasSymbol(ctx, plan.Symbol)
	if err != nil {
		return fmt.Errorf("listing check: %w", err)
	}
	if !listed {
		log.WithField("event", "symbol_not_listed").Warn("symbol not listed on venue, skipping")
		return errNotListed
	}
	rules, err := e.gw.GetRules(ctx, plan.Symbol)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	levels, err := grid.Normalize(plan.Levels, rules.PriceTick)
	if err != nil {
		return fmt.Errorf("normalize grid: %w", err)
	}
	if len(levels) < 2 {
		return fmt.Errorf("grid has %d usable level(s) after tick rounding", len(levels))
	}
	if plan.Bands < 1 {
		plan.Bands = 1
	}

	p := &pass{Engine: e, plan: plan, rules: rules, levels: levels, runID: runID, log: log}
	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"reconcile", p.reconcile},
		{"retry", p.retry},
		{"seed", p.seed},
		{"prune", p.prune},
	}
	var failed error
	for _, ph := range phases {
		if err := ph.run(ctx); err != nil {
			if errors.Is(err, errStore) || ctx.Err() != nil {
				return fmt.Errorf("%s: %w", ph.name, err)
			}
			log.WithFields(logrus.Fields{"event": "phase_failed", "phase": ph.name}).WithError(err).Warn("phase abandoned for this cycle")
			failed = errors.Join(failed, fmt.Errorf("%s: %w", ph.name, err))
		}
	}
	p.reportCounts(ctx)
	return failed
}

// submit places an order after waiting for the submission throttle.
func (e *Engine) submit(ctx context.Context, order core.Order) (core.Order, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return core.Order{}, err
	}
	placed, err := e.gw.PlaceOrder(ctx, order)
	if err != nil {
		e.metrics.OrderFailed(order.Symbol, string(order.Side))
		return core.Order{}, err
	}
	e.metrics.OrderPlaced(order.Symbol, string(order.Side), string(order.Type))
	return placed, nil
}

func (e *Engine) recordFill(log logrus.FieldLogger, band core.Band, side core.Side, orderID string, fill core.Fill, market bool) {
	e.metrics.Fill(band.Symbol, string(side))
	if e.journal == nil {
		return
	}
	err := e.journal.AppendFill(store.FillRecord{
		BandID:      band.ID,
		Symbol:      band.Symbol,
		Side:        string(side),
		OrderID:     orderID,
		Market:      market,
		Qty:         fill.Qty,
		Price:       fill.Price,
		Cost:        fill.Cost,
		FeeAmount:   fill.FeeAmount,
		FeeCurrency: fill.FeeCurrency,
		Time:        e.now().UTC(),
	})
	if err != nil {
		log.WithField("event", "fill_journal_failed").WithError(err).Warn("fill journal append failed")
	}
}

// dropBand cancels a pending buy best-effort and deletes the row regardless.
// A failed cancel leaves the remote order possibly live, so the band goes to
// the orphan journal.
func (e *Engine) dropBand(ctx context.Context, log logrus.FieldLogger, runID string, band core.Band, reason string) error {
	log = log.WithFields(logrus.Fields{
		"band_id":   band.ID,
		"order_id":  band.BuyOrderID,
		"buy_price": band.BuyPrice.String(),
		"reason":    reason,
	})
	var cancelErr error
	if band.BuyOrderID != "" {
		if cancelErr = e.limiter.Wait(ctx); cancelErr == nil {
			cancelErr = e.gw.CancelOrder(ctx, band.Symbol, band.BuyOrderID)
		}
		if cancelErr != nil {
			log.WithField("event", "band_cancel_failed").WithError(cancelErr).Warn("cancel failed, deleting band anyway")
		}
	}
	if err := e.bands.Delete(ctx, band.ID); err != nil {
		return storeErr("delete band", err)
	}
	e.metrics.Pruned(band.Symbol, reason)
	log.WithField("event", "band_pruned").Info("band removed")

	if cancelErr != nil && e.journal != nil {
		err := e.journal.AppendOrphan(store.OrphanRecord{
			BandID:      band.ID,
			Symbol:      band.Symbol,
			BuyPrice:    band.BuyPrice,
			SellPrice:   band.SellPrice,
			Qty:         band.Qty,
			BuyOrderID:  band.BuyOrderID,
			Reason:      reason,
			CancelError: cancelErr.Error(),
			RunID:       runID,
			Time:        e.now().UTC(),
		})
		if err != nil {
			log.WithField("event", "orphan_journal_failed").WithError(err).Error("orphan journal append failed")
		}
	}
	return nil
}

// pass is the state of one symbol within one cycle.
type pass struct {
	*Engine
	plan   SymbolPlan
	rules  core.Rules
	levels []decimal.Decimal
	runID  string
	log    logrus.FieldLogger
	last   decimal.Decimal
}

// price returns the ticker price, fetched at most once per pass.
func (p *pass) price(ctx context.Context) (decimal.Decimal, error) {
	if p.last.IsPositive() {
		return p.last, nil
	}
	price, err := p.gw.TickerPrice(ctx, p.plan.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("venue returned non-positive price %s", price)
	}
	p.last = price
	return price, nil
}

func (p *pass) bandLog(band core.Band) logrus.FieldLogger {
	return p.log.WithFields(logrus.Fields{
		"band_id":    band.ID,
		"buy_price":  band.BuyPrice.String(),
		"sell_price": band.SellPrice.String(),
		"status":     string(band.Status),
	})
}

func (p *pass) reportCounts(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	all, err := p.bands.ListByStatus(ctx, p.plan.Symbol)
	if err != nil {
		return
	}
	counts := map[string]int{}
	for _, s := range []core.BandStatus{core.BandWaiting, core.BandReadyToSell, core.BandHolding, core.BandCompleted} {
		counts[string(s)] = 0
	}
	for _, b := range all {
		counts[string(b.Status)]++
	}
	p.metrics.BandCounts(p.plan.Symbol, counts)
}
