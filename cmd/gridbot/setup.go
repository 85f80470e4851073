package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/alert"
	"bandgrid/internal/config"
	"bandgrid/internal/engine"
	"bandgrid/internal/exchange"
	"bandgrid/internal/exchange/binance"
	"bandgrid/internal/exchange/paper"
	"bandgrid/internal/grid"
	"bandgrid/internal/store"
)

// newLogger builds the root logger. When a log file is configured it
// receives the same lines as stderr.
func newLogger(obs config.ObservabilityConfig, stderr io.Writer) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(obs.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)
	if obs.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	logger.SetOutput(stderr)
	if obs.LogFile == "" {
		return logger, nil, nil
	}
	if dir := filepath.Dir(obs.LogFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.OpenFile(obs.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(io.MultiWriter(stderr, f))
	return logger, f, nil
}

func alertLevel(raw string) logrus.Level {
	if raw == "warn" {
		return logrus.WarnLevel
	}
	return logrus.ErrorLevel
}

func buildAlertManager(cfg config.Config, logger logrus.FieldLogger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(string(cfg.Mode), cfg.InstanceID, notifier, logger)
}

// stateDir keeps each mode and instance in its own directory so paper runs
// never share band rows with live ones.
func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.Store.Dir, string(cfg.Mode), cfg.InstanceID)
}

func acquireLock(cfg config.Config, dir string) (*store.InstanceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return store.AcquireInstanceLock(dir, store.LockOptions{
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: *cfg.Store.LockTakeover,
		StaleAfter:      time.Duration(cfg.Store.LockStaleSec) * time.Second,
	})
}

func releaseLock(lock *store.InstanceLock) {
	if err := lock.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", err)
	}
}

func openBands(ctx context.Context, cfg config.Config, dir string, log logrus.FieldLogger) (store.BandStore, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return store.OpenFileBandStore(dir, log)
	}
}

// newGateway returns the venue for the configured mode and a close function.
func newGateway(cfg config.Config, log logrus.FieldLogger) (exchange.Gateway, func(), error) {
	switch cfg.Mode {
	case config.ModeLive, config.ModeTestnet:
		client, err := binance.NewClient(cfg.Exchange, cfg.InstanceID, log)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	case config.ModePaper:
		venue, err := paper.New(paper.Options{
			Market:       binance.NewPublicClient(cfg.Exchange.RestBaseURL, log),
			MakerRate:    cfg.Paper.MakerRate.Decimal,
			TakerRate:    cfg.Paper.TakerRate.Decimal,
			InitialQuote: cfg.Paper.InitialQuote.Decimal,
			QuoteAsset:   cfg.Sizing.QuoteAsset,
		})
		if err != nil {
			return nil, nil, err
		}
		return venue, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// buildPlans loads each symbol's levels from its grid file or generates a
// geometric set.
func buildPlans(cfg config.Config) ([]engine.SymbolPlan, error) {
	plans := make([]engine.SymbolPlan, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
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
			return nil, fmt.Errorf("%s: %w", s.Symbol, err)
		}
		if len(levels) < 2 {
			return nil, fmt.Errorf("%s: grid needs at least two levels", s.Symbol)
		}
		plans = append(plans, engine.SymbolPlan{
			Symbol:      s.Symbol,
			Levels:      levels,
			USDPerOrder: s.USDPerOrder.Decimal,
			Bands:       s.Bands,
		})
	}
	return plans, nil
}
