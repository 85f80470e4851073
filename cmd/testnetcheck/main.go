package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/config"
	"bandgrid/internal/core"
	"bandgrid/internal/exchange"
	"bandgrid/internal/exchange/binance"
	"bandgrid/internal/grid"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Symbol     string      `json:"symbol,omitempty"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbols    []string      `json:"symbols"`
	Checks     []checkResult `json:"checks"`
}

func (r report) failed() bool {
	for _, c := range r.Checks {
		if c.Status == statusFail {
			return true
		}
	}
	return false
}

type selectedChecks struct {
	preflight bool
	ladder    bool
	lifecycle bool
}

func main() {
	var (
		configPath   string
		timeoutSec   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 180, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (preflight,ladder,lifecycle)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeTestnet && cfg.Mode != config.ModeLive {
		fatal("testnetcheck requires mode=testnet or mode=live")
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 30 {
		timeoutSec = 30
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client, err := binance.NewClient(cfg.Exchange, cfg.InstanceID, logger)
	if err != nil {
		fatal(err.Error())
	}
	defer client.Close()

	r := runChecks(ctx, cfg, client, checks, os.Stdout)
	printSummary(os.Stdout, r)

	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}
	if r.failed() {
		os.Exit(1)
	}
}

type marketContext struct {
	rules core.Rules
	price decimal.Decimal
}

func runChecks(ctx context.Context, cfg config.Config, gw exchange.Gateway, checks selectedChecks, out io.Writer) report {
	r := report{
		StartedAt: time.Now().UTC(),
		Mode:      cfg.Mode,
		Symbols:   cfg.SymbolNames(),
	}
	markets := make(map[string]marketContext)
	var quoteFree decimal.Decimal
	balancesLoaded := false

	loadMarket := func(symbol string) (marketContext, error) {
		if mc, ok := markets[symbol]; ok {
			return mc, nil
		}
		listed, err := gw.HasSymbol(ctx, symbol)
		if err != nil {
			return marketContext{}, err
		}
		if !listed {
			return marketContext{}, fmt.Errorf("%s is not listed", symbol)
		}
		rules, err := gw.GetRules(ctx, symbol)
		if err != nil {
			return marketContext{}, err
		}
		price, err := gw.TickerPrice(ctx, symbol)
		if err != nil {
			return marketContext{}, err
		}
		mc := marketContext{rules: rules, price: price}
		markets[symbol] = mc
		return mc, nil
	}
	loadBalances := func() error {
		if balancesLoaded {
			return nil
		}
		bal, err := gw.Balances(ctx)
		if err != nil {
			return err
		}
		quoteFree = bal.Free(cfg.Sizing.QuoteAsset)
		balancesLoaded = true
		return nil
	}

	run := func(name, symbol string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			Symbol:     symbol,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		label := name
		if symbol != "" {
			label = name + " " + symbol
		}
		if cr.Status == statusPass {
			fmt.Fprintf(out, "[PASS] %s (%dms)", label, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Fprintf(out, " - %s", cr.Detail)
			}
			fmt.Fprintln(out)
		} else {
			fmt.Fprintf(out, "[FAIL] %s (%dms) - %s\n", label, cr.DurationMs, cr.Error)
		}
	}

	if checks.preflight {
		run("exchange_balances", "", func() (string, error) {
			if err := loadBalances(); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s free=%s", cfg.Sizing.QuoteAsset, quoteFree), nil
		})
		for _, sym := range cfg.SymbolNames() {
			run("exchange_preflight", sym, func() (string, error) {
				mc, err := loadMarket(sym)
				if err != nil {
					return "", err
				}
				open, err := gw.OpenOrders(ctx, sym)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("price=%s minQty=%s minNotional=%s tick=%s step=%s open=%d",
					mc.price, mc.rules.MinQty, mc.rules.MinNotional, mc.rules.PriceTick, mc.rules.QtyStep, len(open)), nil
			})
		}
	}

	if checks.ladder {
		for _, s := range cfg.Symbols {
			run("grid_ladder", s.Symbol, func() (string, error) {
				mc, err := loadMarket(s.Symbol)
				if err != nil {
					return "", err
				}
				usd := s.USDPerOrder.Decimal
				if cfg.Sizing.BalancePercent.IsPositive() {
					if err := loadBalances(); err != nil {
						return "", err
					}
					usd = quoteFree.Mul(cfg.Sizing.BalancePercent.Decimal).Round(4)
				}
				return checkLadder(s, mc, usd)
			})
		}
	}

	if checks.lifecycle && len(cfg.Symbols) > 0 {
		sym := cfg.Symbols[0].Symbol
		run("order_lifecycle_place_query_cancel", sym, func() (string, error) {
			mc, err := loadMarket(sym)
			if err != nil {
				return "", err
			}
			if err := loadBalances(); err != nil {
				return "", err
			}
			return runLifecycle(ctx, gw, sym, mc, quoteFree)
		})
	}

	r.FinishedAt = time.Now().UTC()
	return r
}

// checkLadder verifies that the grid has an eligible pair under the current
// price and that an order of usd quote clears the venue minimums there.
func checkLadder(s config.SymbolConfig, mc marketContext, usd decimal.Decimal) (string, error) {
	var (
		levels []decimal.Decimal
		err    error
	)
	if g := s.Geometric; g != nil {
		levels, err = grid.Build(grid.Spec{Low: g.Low.Decimal, High: g.High.Decimal, Levels: g.Levels})
	} else {
		levels, err = grid.LoadLevels(s.GridFile)
	}
	if err != nil {
		return "", err
	}
	levels, err = grid.Normalize(levels, mc.rules.PriceTick)
	if err != nil {
		return "", err
	}
	ladder := grid.Ladder(levels, mc.price)
	if len(ladder) == 0 {
		return "", fmt.Errorf("no grid level below price %s (grid %s..%s)", mc.price, levels[0], levels[len(levels)-1])
	}
	if len(ladder) < s.Bands {
		return "", fmt.Errorf("only %d eligible pairs below price %s for bands=%d", len(ladder), mc.price, s.Bands)
	}
	if !usd.IsPositive() {
		return "", errors.New("order size resolves to zero")
	}
	first := ladder[0]
	order, err := core.NormalizeOrder(core.Order{
		Symbol: s.Symbol,
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  first.Buy,
		Qty:    usd.Div(first.Buy),
	}, mc.rules)
	if err != nil {
		return "", fmt.Errorf("frontier buy %s with %s quote: %w", first.Buy, usd, err)
	}
	return fmt.Sprintf("levels=%d eligible=%d frontier=%s->%s qty=%s", len(levels), len(ladder), first.Buy, first.Sell, order.Qty), nil
}

// runLifecycle places a minimum buy at half the market price, checks that
// the venue reports it, then cancels it.
func runLifecycle(ctx context.Context, gw exchange.Gateway, symbol string, mc marketContext, quoteFree decimal.Decimal) (string, error) {
	if !mc.price.IsPositive() {
		return "", errors.New("missing ticker price")
	}
	price := core.PriceToPrecision(mc.price.Mul(decimal.RequireFromString("0.5")), mc.rules)
	if !price.IsPositive() {
		return "", errors.New("calculated order price <= 0")
	}
	qty, err := buildTinyLimitQty(symbol, mc.rules, price)
	if err != nil {
		return "", err
	}
	notional := price.Mul(qty)
	if quoteFree.LessThan(notional) {
		return "", fmt.Errorf("insufficient quote for check order: need=%s have=%s", notional, quoteFree)
	}

	placed, err := gw.PlaceOrder(ctx, core.Order{
		Symbol: symbol,
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  price,
		Qty:    qty,
	})
	if err != nil {
		return "", err
	}
	if placed.ID == "" {
		return "", errors.New("empty order id")
	}
	cancelled := false
	defer func() {
		if !cancelled {
			_ = gw.CancelOrder(context.Background(), symbol, placed.ID)
		}
	}()

	query, err := gw.QueryOrder(ctx, symbol, placed.ID)
	if err != nil {
		return "", err
	}
	open, err := gw.OpenOrders(ctx, symbol)
	if err != nil {
		return "", err
	}
	_, foundInOpen := exchange.OpenOrderIDs(open)[placed.ID]

	status := query.Status
	if !status.Terminal() {
		if err := gw.CancelOrder(ctx, symbol, placed.ID); err != nil {
			return "", fmt.Errorf("cancel order failed: %w", err)
		}
		cancelled = true
		time.Sleep(400 * time.Millisecond)
		if after, err := gw.QueryOrder(ctx, symbol, placed.ID); err == nil {
			status = after.Status
		}
	}
	return fmt.Sprintf("id=%s qty=%s price=%s status=%s foundInOpen=%t", placed.ID, qty, price, status, foundInOpen), nil
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "default" {
		return selectedChecks{preflight: true, ladder: true}, nil
	}
	if raw == "all" {
		return selectedChecks{preflight: true, ladder: true, lifecycle: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		name := strings.TrimSpace(p)
		switch name {
		case "":
			continue
		case "preflight", "exchange_preflight":
			out.preflight = true
		case "ladder", "grid_ladder":
			out.ladder = true
		case "lifecycle", "order_lifecycle", "order_lifecycle_place_query_cancel":
			out.lifecycle = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if !out.preflight && !out.ladder && !out.lifecycle {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

// buildTinyLimitQty returns the smallest quantity that satisfies the venue
// minimums at price.
func buildTinyLimitQty(symbol string, rules core.Rules, price decimal.Decimal) (decimal.Decimal, error) {
	if price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, errors.New("invalid price")
	}
	qty := rules.MinQty
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		minNotionalQty := rules.MinNotional.Div(price)
		if minNotionalQty.Cmp(qty) > 0 {
			qty = minNotionalQty
		}
	}
	qty = roundQtyUp(qty, rules.QtyStep)
	if qty.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, errors.New("calculated qty <= 0")
	}
	norm, err := core.NormalizeOrder(core.Order{
		Symbol: symbol,
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  price,
		Qty:    qty,
	}, rules)
	if err != nil {
		return decimal.Zero, err
	}
	return norm.Qty, nil
}

func roundQtyUp(qty, step decimal.Decimal) decimal.Decimal {
	if qty.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	if step.Cmp(decimal.Zero) <= 0 {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}

func printSummary(w io.Writer, r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Fprintf(w, "\nsummary mode=%s symbols=%s pass=%d fail=%d duration=%s\n",
		r.Mode,
		strings.Join(r.Symbols, ","),
		pass,
		fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
