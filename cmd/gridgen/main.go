package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/exchange/binance"
	"bandgrid/internal/grid"
)

const defaultBaseURL = "https://api.binance.com"

type kline struct {
	OpenTime int64
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
}

func main() {
	var (
		baseURL  string
		symbol   string
		interval string
		months   int
		startRaw string
		endRaw   string
		levels   int
		margin   float64
		outPath  string
		timeout  int
	)

	flag.StringVar(&baseURL, "base-url", defaultBaseURL, "exchange REST base url")
	flag.StringVar(&symbol, "symbol", "ETH/USDT", "symbol, e.g. ETH/USDT")
	flag.StringVar(&interval, "interval", "1h", "kline interval, e.g. 15m/1h/4h/1d")
	flag.IntVar(&months, "months", 6, "how many months of history set the range")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.IntVar(&levels, "levels", 40, "number of geometric steps between low and high")
	flag.Float64Var(&margin, "margin-pct", 5, "widen the observed range by this percent on both sides")
	flag.StringVar(&outPath, "out", "", "grid file path (default grids/<BASE>-<QUOTE>-<months>.csv)")
	flag.IntVar(&timeout, "timeout-sec", 20, "http timeout seconds")
	flag.Parse()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.TrimSpace(interval)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(symbol, "/") || interval == "" || baseURL == "" {
		fatal("base-url/symbol (BASE/QUOTE)/interval are required")
	}
	if levels < 2 {
		fatal("levels must be >= 2")
	}
	if margin < 0 || margin >= 100 {
		fatal("margin-pct must be in [0, 100)")
	}
	start, end, err := resolveWindow(months, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}
	if outPath == "" {
		outPath = filepath.Join("grids", fmt.Sprintf("%s-%02d.csv", strings.ReplaceAll(symbol, "/", "-"), months))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: time.Duration(timeout) * time.Second}
	fmt.Printf("fetching symbol=%s interval=%s from=%s to=%s\n", symbol, interval, start.Format(time.RFC3339), end.Add(-time.Millisecond).Format(time.RFC3339))
	low, high, count, err := observedRange(ctx, client, baseURL, binance.MarketID(symbol), interval, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		fatal(err.Error())
	}
	if count == 0 {
		fatal("no klines in window")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rules, err := binance.NewPublicClient(baseURL, logger).GetRules(ctx, symbol)
	if err != nil {
		fatal(err.Error())
	}

	prices, err := buildLevels(low, high, margin, levels, rules.PriceTick)
	if err != nil {
		fatal(err.Error())
	}
	if err := writeLevels(outPath, prices); err != nil {
		fatal(err.Error())
	}
	fmt.Printf("done: klines=%d low=%s high=%s levels=%d tick=%s output=%s\n", count, low, high, len(prices), rules.PriceTick, outPath)
}

// buildLevels widens [low, high] by marginPct, spaces steps geometric levels
// across it and rounds them to the price tick.
func buildLevels(low, high decimal.Decimal, marginPct float64, steps int, tick decimal.Decimal) ([]decimal.Decimal, error) {
	m := decimal.NewFromFloat(marginPct).Div(decimal.NewFromInt(100))
	one := decimal.NewFromInt(1)
	levels, err := grid.Build(grid.Spec{
		Low:    low.Mul(one.Sub(m)),
		High:   high.Mul(one.Add(m)),
		Levels: steps,
	})
	if err != nil {
		return nil, err
	}
	return grid.Normalize(levels, tick)
}

func writeLevels(path string, levels []decimal.Decimal) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, p := range levels {
		if _, err := fmt.Fprintln(w, p.String()); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func observedRange(ctx context.Context, client *http.Client, baseURL, marketID, interval string, startMs, endMs int64) (decimal.Decimal, decimal.Decimal, int, error) {
	var low, high decimal.Decimal
	total := 0
	requests := 0
	for startMs < endMs {
		batch, err := fetchKlines(ctx, client, baseURL, marketID, interval, startMs, endMs-1, 1000)
		if err != nil {
			return low, high, total, err
		}
		if len(batch) == 0 {
			break
		}
		requests++
		advanced := false
		for _, k := range batch {
			if k.OpenTime >= endMs || k.OpenTime < startMs {
				continue
			}
			if total == 0 || k.Low.LessThan(low) {
				low = k.Low
			}
			if total == 0 || k.High.GreaterThan(high) {
				high = k.High
			}
			total++
			startMs = k.OpenTime + 1
			advanced = true
		}
		if !advanced {
			break
		}
		if requests%20 == 0 {
			fmt.Printf("progress: requests=%d klines=%d last=%s\n", requests, total, time.UnixMilli(startMs).UTC().Format(time.RFC3339))
		}
		select {
		case <-ctx.Done():
			return low, high, total, ctx.Err()
		case <-time.After(120 * time.Millisecond):
		}
	}
	return low, high, total, nil
}

func fetchKlines(ctx context.Context, client *http.Client, baseURL, marketID, interval string, startMs, endMs int64, limit int) ([]kline, error) {
	endpoint := baseURL + "/api/v3/klines"
	values := url.Values{}
	values.Set("symbol", marketID)
	values.Set("interval", interval)
	values.Set("startTime", strconv.FormatInt(startMs, 10))
	values.Set("endTime", strconv.FormatInt(endMs, 10))
	values.Set("limit", strconv.Itoa(limit))

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+values.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
			time.Sleep(time.Duration(attempt+1) * time.Second)
			continue
		}
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return parseKlines(body)
	}
	if lastErr == nil {
		lastErr = errors.New("fetch klines failed")
	}
	return nil, lastErr
}

func parseKlines(body []byte) ([]kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	out := make([]kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		openTime, err := parseInt64(row[0])
		if err != nil {
			continue
		}
		high, errH := decimal.NewFromString(parseStr(row[2]))
		low, errL := decimal.NewFromString(parseStr(row[3]))
		closePx, errC := decimal.NewFromString(parseStr(row[4]))
		if errH != nil || errL != nil || errC != nil {
			continue
		}
		out = append(out, kline{OpenTime: openTime, High: high, Low: low, Close: closePx})
	}
	return out, nil
}

func parseInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return 0, errors.New("invalid int64")
}

func parseStr(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}

func resolveWindow(months int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if months < 1 {
			return time.Time{}, time.Time{}, errors.New("months must be >= 1")
		}
		end := time.Now().UTC()
		start := end.AddDate(0, -months, 0)
		return start, end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, startDateOnly, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if startDateOnly {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	}
	if endDateOnly {
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, errors.New("empty")
	}
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
