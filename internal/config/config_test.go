package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
symbols:
  - symbol: eth/usdt
    grid_file: grids/ETH-USDT-06.csv
    usd_per_order: "10"
`), noEnv)
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, "default", cfg.InstanceID)
	assert.Equal(t, DriverFile, cfg.Store.Driver)
	assert.Equal(t, "state", cfg.Store.Dir)
	require.NotNil(t, cfg.Store.LockTakeover)
	assert.True(t, *cfg.Store.LockTakeover)
	assert.Equal(t, int64(600), cfg.Store.LockStaleSec)
	assert.Equal(t, int64(0), cfg.Run.IntervalSec)
	assert.Equal(t, int64(1000), cfg.Run.SubmitIntervalMs)
	assert.Equal(t, int64(120), cfg.Run.SymbolTimeoutSec)
	assert.Equal(t, "USDT", cfg.Sizing.QuoteAsset)
	assert.True(t, cfg.Sizing.BalancePercent.IsZero())
	assert.True(t, cfg.Paper.MakerRate.Equal(D("0.001").Decimal))
	assert.True(t, cfg.Paper.InitialQuote.Equal(D("1000").Decimal))
	assert.Equal(t, "https://api.binance.com", cfg.Exchange.RestBaseURL)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, "text", cfg.Observability.LogFormat)

	require.Len(t, cfg.Symbols, 1)
	assert.Equal(t, "ETH/USDT", cfg.Symbols[0].Symbol)
	assert.Equal(t, 1, cfg.Symbols[0].Bands)
	assert.True(t, cfg.Symbols[0].USDPerOrder.Equal(D("10").Decimal))
	assert.Equal(t, []string{"ETH/USDT"}, cfg.SymbolNames())
}

func TestParseLiveModeTakesCredentialsFromEnv(t *testing.T) {
	cfg, err := Parse([]byte(`
mode: live
store:
  driver: postgres
observability:
  telegram:
    enabled: true
    chat_id: "42"
symbols:
  - symbol: BTC/USDT
    geometric: {low: "50000", high: "70000", levels: 40}
    usd_per_order: 25
    bands: 2
`), envMap(map[string]string{
		EnvAPIKey:        "key",
		EnvAPISecret:     "secret",
		EnvDatabaseURL:   "postgres://bot:pw@localhost:5432/grid",
		EnvTelegramToken: "tok",
	}))
	require.NoError(t, err)

	assert.Equal(t, "key", cfg.Exchange.APIKey)
	assert.Equal(t, "secret", cfg.Exchange.APISecret)
	assert.Equal(t, "postgres://bot:pw@localhost:5432/grid", cfg.Store.DatabaseURL)
	assert.Equal(t, "tok", cfg.Observability.Telegram.BotToken)
	assert.Equal(t, "wss://ws-api.binance.com/ws-api/v3", cfg.Exchange.WSBaseURL)
	require.NotNil(t, cfg.Symbols[0].Geometric)
	assert.Equal(t, 40, cfg.Symbols[0].Geometric.Levels)
	assert.Equal(t, 2, cfg.Symbols[0].Bands)
}

func TestParseYAMLValueWinsOverEnv(t *testing.T) {
	cfg, err := Parse([]byte(`
mode: testnet
exchange: {api_key: yaml-key, api_secret: yaml-secret}
symbols:
  - {symbol: ETH/USDT, grid_file: g.csv, usd_per_order: "10"}
`), envMap(map[string]string{EnvAPIKey: "env-key"}))
	require.NoError(t, err)
	assert.Equal(t, "yaml-key", cfg.Exchange.APIKey)
	assert.Equal(t, "https://testnet.binance.vision", cfg.Exchange.RestBaseURL)
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "symbol: ETHUSDT\nsymbols: []\n",
			want: "field symbol not found",
		},
		{
			name: "bad mode",
			yaml: "mode: backtest\nsymbols: [{symbol: ETH/USDT, grid_file: g.csv, usd_per_order: 1}]\n",
			want: "mode must be live, testnet, or paper",
		},
		{
			name: "no symbols",
			yaml: "mode: paper\n",
			want: "at least one entry",
		},
		{
			name: "missing grid source",
			yaml: "symbols: [{symbol: ETH/USDT, usd_per_order: 1}]\n",
			want: "one of grid_file or geometric is required",
		},
		{
			name: "both grid sources",
			yaml: "symbols: [{symbol: ETH/USDT, grid_file: g.csv, geometric: {low: 1, high: 2, levels: 5}, usd_per_order: 1}]\n",
			want: "mutually exclusive",
		},
		{
			name: "geometric bounds",
			yaml: "symbols: [{symbol: ETH/USDT, geometric: {low: 3, high: 2, levels: 5}, usd_per_order: 1}]\n",
			want: "0 < low < high",
		},
		{
			name: "geometric levels",
			yaml: "symbols: [{symbol: ETH/USDT, geometric: {low: 1, high: 2, levels: 1}, usd_per_order: 1}]\n",
			want: "levels must be gte 2",
		},
		{
			name: "bands out of range",
			yaml: "symbols: [{symbol: ETH/USDT, grid_file: g.csv, usd_per_order: 1, bands: 500}]\n",
			want: "bands must be lte 100",
		},
		{
			name: "symbol format",
			yaml: "symbols: [{symbol: ETHUSDT, grid_file: g.csv, usd_per_order: 1}]\n",
			want: "BASE/QUOTE",
		},
		{
			name: "duplicate symbol",
			yaml: "symbols: [{symbol: ETH/USDT, grid_file: a.csv, usd_per_order: 1}, {symbol: eth/usdt, grid_file: b.csv, usd_per_order: 1}]\n",
			want: "listed twice",
		},
		{
			name: "no order size",
			yaml: "symbols: [{symbol: ETH/USDT, grid_file: g.csv}]\n",
			want: "usd_per_order must be > 0",
		},
		{
			name: "balance percent above one",
			yaml: "sizing: {balance_percent: 2}\nsymbols: [{symbol: ETH/USDT, grid_file: g.csv}]\n",
			want: "fraction between 0 and 1",
		},
		{
			name: "live without credentials",
			yaml: "mode: live\nsymbols: [{symbol: ETH/USDT, grid_file: g.csv, usd_per_order: 1}]\n",
			want: "api_key/api_secret",
		},
		{
			name: "postgres without url",
			yaml: "store: {driver: postgres}\nsymbols: [{symbol: ETH/USDT, grid_file: g.csv, usd_per_order: 1}]\n",
			want: "store.database_url",
		},
		{
			name: "bad decimal",
			yaml: "symbols: [{symbol: ETH/USDT, grid_file: g.csv, usd_per_order: ten}]\n",
			want: "invalid decimal",
		},
		{
			name: "two documents",
			yaml: "mode: paper\n---\n{}\n",
			want: "single YAML document",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml), noEnv)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBalancePercentAllowsMissingOrderSize(t *testing.T) {
	cfg, err := Parse([]byte(`
sizing: {balance_percent: "0.02"}
symbols:
  - {symbol: ETH/USDT, grid_file: g.csv}
`), noEnv)
	require.NoError(t, err)
	assert.True(t, cfg.Sizing.BalancePercent.Equal(D("0.02").Decimal))
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.TrimSpace(`
mode: paper
instance_id: Grid-1
symbols:
  - symbol: ETH/USDT
    grid_file: grids/eth.csv
    usd_per_order: "10"
`)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "grid-1", cfg.InstanceID)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
