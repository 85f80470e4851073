package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

type StoreDriver string

const (
	ModeLive    Mode = "live"
	ModeTestnet Mode = "testnet"
	ModePaper   Mode = "paper"
)

const (
	DriverFile     StoreDriver = "file"
	DriverPostgres StoreDriver = "postgres"
)

// Environment variables consulted when the matching YAML value is empty.
const (
	EnvAPIKey        = "BINANCE_API_KEY"
	EnvAPISecret     = "BINANCE_API_SECRET"
	EnvDatabaseURL   = "GRIDBOT_DATABASE_URL"
	EnvTelegramToken = "GRIDBOT_TELEGRAM_BOT_TOKEN"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Store          StoreConfig          `yaml:"store"`
	Run            RunConfig            `yaml:"run"`
	Sizing         SizingConfig         `yaml:"sizing"`
	Paper          PaperConfig          `yaml:"paper"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	Symbols        []SymbolConfig       `yaml:"symbols"`
}

type ExchangeConfig struct {
	APIKey              string `yaml:"api_key"`
	APISecret           string `yaml:"api_secret"`
	RestBaseURL         string `yaml:"rest_base_url"`
	WSBaseURL           string `yaml:"ws_base_url"`
	RecvWindowMs        int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec      int64  `yaml:"http_timeout_sec"`
	OrderWSKeepaliveSec int64  `yaml:"order_ws_keepalive_sec"`
}

type StoreConfig struct {
	Driver       StoreDriver `yaml:"driver"`
	Dir          string      `yaml:"dir"`
	DatabaseURL  string      `yaml:"database_url"`
	LockTakeover *bool       `yaml:"lock_takeover"`
	LockStaleSec int64       `yaml:"lock_stale_sec"`
}

type RunConfig struct {
	// IntervalSec 0 runs a single cycle and exits.
	IntervalSec      int64 `yaml:"interval_sec"`
	SubmitIntervalMs int64 `yaml:"submit_interval_ms"`
	SymbolTimeoutSec int64 `yaml:"symbol_timeout_sec"`
}

type SizingConfig struct {
	QuoteAsset string `yaml:"quote_asset"`
	// BalancePercent is a fraction of the free quote balance (0.02 = 2%).
	// Zero keeps each symbol's configured usd_per_order.
	BalancePercent Decimal `yaml:"balance_percent"`
}

type PaperConfig struct {
	MakerRate    Decimal `yaml:"maker_rate"`
	TakerRate    Decimal `yaml:"taker_rate"`
	InitialQuote Decimal `yaml:"initial_quote"`
}

type CircuitBreakerConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxPlaceFailures  int  `yaml:"max_place_failures"`
	MaxCancelFailures int  `yaml:"max_cancel_failures"`
}

type ObservabilityConfig struct {
	LogLevel   string         `yaml:"log_level"`
	LogFormat  string         `yaml:"log_format"`
	LogFile    string         `yaml:"log_file"`
	HTTPListen string         `yaml:"http_listen"`
	Telegram   TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
	MinLevel   string `yaml:"min_level"`
}

type SymbolConfig struct {
	Symbol      string           `yaml:"symbol" validate:"required"`
	GridFile    string           `yaml:"grid_file" validate:"required_without=Geometric,excluded_with=Geometric"`
	Geometric   *GeometricConfig `yaml:"geometric"`
	USDPerOrder Decimal          `yaml:"usd_per_order"`
	Bands       int              `yaml:"bands" validate:"gte=1,lte=100"`
}

type GeometricConfig struct {
	Low    Decimal `yaml:"low"`
	High   Decimal `yaml:"high"`
	Levels int     `yaml:"levels" validate:"gte=2,lte=2000"`
}

var validate = validator.New()

// Load reads a single YAML document, fills empty credentials from the
// environment (and a .env file beside the working directory when present),
// applies defaults and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	_ = godotenv.Load()
	return Parse(data, os.Getenv)
}

func Parse(data []byte, getenv func(string) string) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Store.Driver = StoreDriver(strings.ToLower(strings.TrimSpace(string(c.Store.Driver))))
	c.Store.Dir = strings.TrimSpace(c.Store.Dir)
	c.Store.DatabaseURL = strings.TrimSpace(c.Store.DatabaseURL)
	c.Sizing.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.Sizing.QuoteAsset))
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.LogFormat = strings.ToLower(strings.TrimSpace(c.Observability.LogFormat))
	c.Observability.LogFile = strings.TrimSpace(c.Observability.LogFile)
	c.Observability.HTTPListen = strings.TrimSpace(c.Observability.HTTPListen)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Telegram.MinLevel = strings.ToLower(strings.TrimSpace(c.Observability.Telegram.MinLevel))
	for i := range c.Symbols {
		s := &c.Symbols[i]
		s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
		s.GridFile = strings.TrimSpace(s.GridFile)
	}
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(getenv(key))
		}
	}
	fill(&c.Exchange.APIKey, EnvAPIKey)
	fill(&c.Exchange.APISecret, EnvAPISecret)
	fill(&c.Store.DatabaseURL, EnvDatabaseURL)
	fill(&c.Observability.Telegram.BotToken, EnvTelegramToken)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.OrderWSKeepaliveSec == 0 {
		c.Exchange.OrderWSKeepaliveSec = 30
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive, ModePaper:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://ws-api.testnet.binance.vision/ws-api/v3"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://ws-api.binance.com/ws-api/v3"
		}
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverFile
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "state"
	}
	if c.Store.LockTakeover == nil {
		enabled := true
		c.Store.LockTakeover = &enabled
	}
	if c.Store.LockStaleSec == 0 {
		c.Store.LockStaleSec = 600
	}
	if c.Run.SubmitIntervalMs == 0 {
		c.Run.SubmitIntervalMs = 1000
	}
	if c.Run.SymbolTimeoutSec == 0 {
		c.Run.SymbolTimeoutSec = 120
	}
	if c.Sizing.QuoteAsset == "" {
		c.Sizing.QuoteAsset = "USDT"
	}
	if c.Paper.MakerRate.IsZero() {
		c.Paper.MakerRate = D("0.001")
	}
	if c.Paper.TakerRate.IsZero() {
		c.Paper.TakerRate = D("0.001")
	}
	if c.Paper.InitialQuote.IsZero() {
		c.Paper.InitialQuote = D("1000")
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "text"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Telegram.MinLevel == "" {
		c.Observability.Telegram.MinLevel = "error"
	}
	for i := range c.Symbols {
		if c.Symbols[i].Bands == 0 {
			c.Symbols[i].Bands = 1
		}
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeLive, ModeTestnet, ModePaper:
	default:
		return fmt.Errorf("mode must be live, testnet, or paper")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if err := c.validateSymbols(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case DriverFile:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url (or %s) is required for the postgres driver", EnvDatabaseURL)
		}
		if err := validateURL(c.Store.DatabaseURL, "postgres", "postgresql"); err != nil {
			return fmt.Errorf("store.database_url %v", err)
		}
	default:
		return fmt.Errorf("store.driver must be file or postgres")
	}
	if c.Store.LockStaleSec < 0 || c.Store.LockStaleSec > 86400 {
		return fmt.Errorf("store.lock_stale_sec must be between 0 and 86400")
	}
	if c.Run.IntervalSec < 0 || c.Run.IntervalSec > 86400 {
		return fmt.Errorf("run.interval_sec must be between 0 and 86400")
	}
	if c.Run.SubmitIntervalMs < 0 || c.Run.SubmitIntervalMs > 60000 {
		return fmt.Errorf("run.submit_interval_ms must be between 0 and 60000")
	}
	if c.Run.SymbolTimeoutSec < 1 || c.Run.SymbolTimeoutSec > 3600 {
		return fmt.Errorf("run.symbol_timeout_sec must be between 1 and 3600")
	}
	if c.Sizing.BalancePercent.IsNegative() || c.Sizing.BalancePercent.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("sizing.balance_percent must be a fraction between 0 and 1")
	}
	if c.Paper.MakerRate.IsNegative() || c.Paper.TakerRate.IsNegative() {
		return fmt.Errorf("paper maker_rate/taker_rate must be >= 0")
	}
	if !c.Paper.InitialQuote.IsPositive() {
		return fmt.Errorf("paper.initial_quote must be > 0")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be debug, info, warn, or error")
	}
	switch c.Observability.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("observability.log_format must be text or json")
	}
	if t := c.Observability.Telegram; t.Enabled {
		if t.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token (or %s) is required when telegram enabled", EnvTelegramToken)
		}
		if t.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if t.TimeoutSec < 1 || t.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(t.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
		switch t.MinLevel {
		case "warn", "error":
		default:
			return fmt.Errorf("observability.telegram.min_level must be warn or error")
		}
	}

	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Mode == ModePaper {
		return nil
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret (or %s/%s) are required for %s mode", EnvAPIKey, EnvAPISecret, c.Mode)
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.OrderWSKeepaliveSec < 1 || c.Exchange.OrderWSKeepaliveSec > 300 {
		return fmt.Errorf("exchange order_ws_keepalive_sec must be between 1 and 300")
	}
	if c.Exchange.WSBaseURL != "" {
		if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
			return fmt.Errorf("exchange ws_base_url %v", err)
		}
	}
	return nil
}

func (c Config) validateSymbols() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one entry")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for i, s := range c.Symbols {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("symbols[%d] %s: %s", i, s.Symbol, describeValidation(err))
		}
		if !isValidSymbol(s.Symbol) {
			return fmt.Errorf("symbols[%d] symbol %q must be BASE/QUOTE using [A-Z0-9]", i, s.Symbol)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("symbols[%d] %s is listed twice", i, s.Symbol)
		}
		seen[s.Symbol] = true
		if !s.USDPerOrder.IsPositive() && !c.Sizing.BalancePercent.IsPositive() {
			return fmt.Errorf("symbols[%d] %s: usd_per_order must be > 0 unless sizing.balance_percent is set", i, s.Symbol)
		}
		if s.USDPerOrder.IsNegative() {
			return fmt.Errorf("symbols[%d] %s: usd_per_order must be >= 0", i, s.Symbol)
		}
		if g := s.Geometric; g != nil {
			if !g.Low.IsPositive() || !g.High.GreaterThan(g.Low.Decimal) {
				return fmt.Errorf("symbols[%d] %s: geometric grid needs 0 < low < high", i, s.Symbol)
			}
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := yamlName(fe.StructField())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "required_without":
			parts = append(parts, "one of grid_file or geometric is required")
		case "excluded_with":
			parts = append(parts, "grid_file and geometric are mutually exclusive")
		case "gte", "lte":
			parts = append(parts, fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func yamlName(field string) string {
	switch field {
	case "GridFile":
		return "grid_file"
	case "USDPerOrder":
		return "usd_per_order"
	default:
		return strings.ToLower(field)
	}
}

// SymbolNames lists the configured symbols in file order.
func (c Config) SymbolNames() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, s.Symbol)
	}
	return out
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	base, quote, ok := strings.Cut(v, "/")
	if !ok || len(base) < 1 || len(quote) < 2 || len(v) > 24 {
		return false
	}
	for _, r := range base + quote {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
