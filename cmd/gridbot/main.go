package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bandgrid/internal/alert"
	"bandgrid/internal/config"
	"bandgrid/internal/engine"
	"bandgrid/internal/metrics"
	"bandgrid/internal/report"
	"bandgrid/internal/safety"
	"bandgrid/internal/store"
)

const usage = `usage: gridbot [run|cancel-buys|report] [-config path] [-symbol S]

  run          run one cycle, or loop when run.interval_sec > 0
  cancel-buys  cancel every waiting band's buy order and delete the rows
  report       print completed band statistics
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	cmd, args := splitCommand(argv)
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	var configPath, symbol string
	fs.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	if cmd == "cancel-buys" || cmd == "report" {
		fs.StringVar(&symbol, "symbol", "", "limit to one symbol, e.g. ETH/USDT")
	}
	_ = fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger, logFile, err := newLogger(cfg.Observability, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log := logger.WithFields(logrus.Fields{"mode": cfg.Mode, "instance_id": cfg.InstanceID})

	alerts := buildAlertManager(cfg, logger)
	if alerts != nil {
		logger.AddHook(alert.NewHook(alerts, alertLevel(cfg.Observability.Telegram.MinLevel)))
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = runBot(ctx, cfg, log)
	case "cancel-buys":
		err = cancelBuys(ctx, cfg, strings.ToUpper(strings.TrimSpace(symbol)), log)
	case "report":
		err = printReport(ctx, cfg, strings.ToUpper(strings.TrimSpace(symbol)), os.Stdout, log)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithField("event", "command_failed").WithError(err).Error(cmd + " failed")
		return 1
	}
	return 0
}

func splitCommand(args []string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "run", args
	}
	return args[0], args[1:]
}

func runBot(ctx context.Context, cfg config.Config, log logrus.FieldLogger) error {
	plans, err := buildPlans(cfg)
	if err != nil {
		return err
	}
	dir := stateDir(cfg)
	lock, err := acquireLock(cfg, dir)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	st, err := store.New(dir, log)
	if err != nil {
		return err
	}
	bands, err := openBands(ctx, cfg, dir, log)
	if err != nil {
		return err
	}
	defer bands.Close()

	gw, closeGateway, err := newGateway(cfg, log)
	if err != nil {
		return err
	}
	defer closeGateway()
	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
		log,
	)

	rec := metrics.New()
	eng, err := engine.New(engine.Options{
		Gateway: safety.NewGuardedGateway(gw, breaker),
		Bands:   bands,
		Journal: st,
		Metrics: rec,
		Logger:  log,
		Sizing: engine.Sizing{
			QuoteAsset:     cfg.Sizing.QuoteAsset,
			BalancePercent: cfg.Sizing.BalancePercent.Decimal,
		},
		SubmitInterval: time.Duration(cfg.Run.SubmitIntervalMs) * time.Millisecond,
		SymbolTimeout:  time.Duration(cfg.Run.SymbolTimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}
	runner := &engine.Runner{
		Engine:     eng,
		Plans:      plans,
		Interval:   time.Duration(cfg.Run.IntervalSec) * time.Second,
		Mode:       string(cfg.Mode),
		InstanceID: cfg.InstanceID,
		State:      st,
		Logger:     log,
	}
	if cfg.Mode == config.ModePaper && runner.Interval <= 0 {
		log.WithField("event", "paper_single_cycle").Warn("paper orders live in memory; a single cycle cannot see its own fills on the next run")
	}

	if addr := cfg.Observability.HTTPListen; addr != "" {
		srv := metrics.NewServer(addr, rec, statusFunc(runner, breaker), log)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	return runner.Run(ctx)
}

func statusFunc(runner *engine.Runner, breaker *safety.Breaker) metrics.StatusFunc {
	return func() (any, error) {
		st := runner.Status()
		if breaker.Open() {
			return st, safety.ErrCircuitOpen
		}
		return st, runner.Healthy(time.Now())
	}
}

func cancelBuys(ctx context.Context, cfg config.Config, symbol string, log logrus.FieldLogger) error {
	if symbol != "" && !configured(cfg, symbol) {
		return fmt.Errorf("symbol %s is not configured", symbol)
	}
	dir := stateDir(cfg)
	lock, err := acquireLock(cfg, dir)
	if err != nil {
		return err
	}
	defer releaseLock(lock)

	st, err := store.New(dir, log)
	if err != nil {
		return err
	}
	bands, err := openBands(ctx, cfg, dir, log)
	if err != nil {
		return err
	}
	defer bands.Close()
	gw, closeGateway, err := newGateway(cfg, log)
	if err != nil {
		return err
	}
	defer closeGateway()

	eng, err := engine.New(engine.Options{Gateway: gw, Bands: bands, Journal: st, Logger: log})
	if err != nil {
		return err
	}
	removed, err := eng.CancelOpenBuys(ctx, symbol)
	fmt.Printf("removed=%d\n", removed)
	return err
}

func printReport(ctx context.Context, cfg config.Config, symbol string, w io.Writer, log logrus.FieldLogger) error {
	symbols := cfg.SymbolNames()
	if symbol != "" {
		symbols = []string{symbol}
	}
	bands, err := openBands(ctx, cfg, stateDir(cfg), log)
	if err != nil {
		return err
	}
	defer bands.Close()
	summary, err := report.Build(ctx, bands, symbols)
	if err != nil {
		return err
	}
	return report.Print(w, summary)
}

func configured(cfg config.Config, symbol string) bool {
	for _, s := range cfg.SymbolNames() {
		if s == symbol {
			return true
		}
	}
	return false
}
