package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/config"
	"bandgrid/internal/core"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

var errSymbolNotListed = errors.New("symbol not listed")

type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	wsBaseURL         string
	clientOrderPrefix string
	orderMu           sync.Mutex
	orderConn         *orderWSConn
	orderWSKeepalive  time.Duration

	recvWindow time.Duration
	httpClient *http.Client
	log        logrus.FieldLogger

	mu          sync.Mutex
	symbolCache map[string]symbolInfo
	wsDegraded  bool
}

type Options struct {
	APIKey              string
	APISecret           string
	RestBaseURL         string
	WSBaseURL           string
	ClientOrderPrefix   string
	RecvWindowMs        int64
	HTTPTimeoutSec      int64
	OrderWSKeepaliveSec int64
	Logger              logrus.FieldLogger
}

func NewClient(cfg config.ExchangeConfig, instanceID string, logger logrus.FieldLogger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	return NewClientWithOptions(Options{
		APIKey:              cfg.APIKey,
		APISecret:           cfg.APISecret,
		RestBaseURL:         cfg.RestBaseURL,
		WSBaseURL:           cfg.WSBaseURL,
		ClientOrderPrefix:   instanceID,
		RecvWindowMs:        cfg.RecvWindowMs,
		HTTPTimeoutSec:      cfg.HTTPTimeoutSec,
		OrderWSKeepaliveSec: cfg.OrderWSKeepaliveSec,
		Logger:              logger,
	}), nil
}

// NewPublicClient returns a client limited to unsigned market data calls.
func NewPublicClient(restBaseURL string, logger logrus.FieldLogger) *Client {
	return NewClientWithOptions(Options{RestBaseURL: restBaseURL, Logger: logger})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		baseURL:           strings.TrimRight(opts.RestBaseURL, "/"),
		wsBaseURL:         strings.TrimRight(opts.WSBaseURL, "/"),
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:        &http.Client{Timeout: timeout},
		log:               logger.WithField("exchange", "binance"),
		symbolCache:       make(map[string]symbolInfo),
		orderWSKeepalive:  time.Duration(opts.OrderWSKeepaliveSec) * time.Second,
	}
}

func (c *Client) markWSDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsDegraded {
		return false
	}
	c.wsDegraded = true
	return true
}

func (c *Client) clearWSDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wsDegraded {
		return false
	}
	c.wsDegraded = false
	return true
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "bg"
	}
	if len(out) > 12 {
		out = out[:12]
	}
	return out
}

// MarketID converts "ETH/USDT" into the venue symbol "ETHUSDT".
func MarketID(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Close() error {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	c.resetOrderConn()
	return nil
}

func (c *Client) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	info, err := c.getSymbolInfo(ctx, symbol)
	if err != nil {
		return core.Rules{}, err
	}
	return info.rules, nil
}

func (c *Client) HasSymbol(ctx context.Context, symbol string) (bool, error) {
	_, err := c.getSymbolInfo(ctx, symbol)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errSymbolNotListed), IsAPIErrorCode(err, apiCodeInvalidSymbol):
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", MarketID(symbol))
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned)
	return err
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	params := url.Values{}
	params.Set("symbol", MarketID(symbol))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		orders = append(orders, ord.toOrder(symbol))
	}
	return orders, nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	if symbol == "" || orderID == "" {
		return core.Order{}, errors.New("symbol and orderID required")
	}
	params := url.Values{}
	params.Set("symbol", MarketID(symbol))
	params.Set("orderId", orderID)
	return c.queryOrder(ctx, symbol, params)
}

func (c *Client) getOrderByClientID(ctx context.Context, symbol, clientID string) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", MarketID(symbol))
	params.Set("origClientOrderId", clientID)
	return c.queryOrder(ctx, symbol, params)
}

func (c *Client) queryOrder(ctx context.Context, symbol string, params url.Values) (core.Order, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(symbol), nil
}

func (c *Client) Trades(ctx context.Context, symbol, orderID string) ([]core.Trade, error) {
	params := url.Values{}
	params.Set("symbol", MarketID(symbol))
	params.Set("orderId", orderID)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []tradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	trades := make([]core.Trade, 0, len(resp))
	for _, tr := range resp {
		trades = append(trades, tr.toTrade(symbol))
	}
	return trades, nil
}

func (c *Client) Balances(ctx context.Context) (core.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	bal := make(core.Balance, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		bal[strings.ToUpper(b.Asset)] = core.AssetBalance{Free: free, Locked: locked}
	}
	return bal, nil
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", MarketID(symbol))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, AuthNone)
	if err != nil {
		return decimal.Zero, err
	}
	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Join(err, core.ErrTransient)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(err, core.ErrTransient)
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var err error
	var apiErr apiError
	if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Msg != "" {
		err = wrapAPIError(apiErr.Code, apiErr.Msg)
	} else {
		err = fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
	}
	if transientStatus(status) && !errors.Is(err, core.ErrTransient) {
		err = errors.Join(err, core.ErrTransient)
	}
	return err
}

func transientStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusTeapot
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) getSymbolInfo(ctx context.Context, symbol string) (symbolInfo, error) {
	if symbol == "" {
		return symbolInfo{}, errors.New("symbol is required")
	}
	id := MarketID(symbol)
	c.mu.Lock()
	if info, ok := c.symbolCache[id]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", id)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone)
	if err != nil {
		return symbolInfo{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return symbolInfo{}, err
	}
	if len(resp.Symbols) == 0 {
		return symbolInfo{}, fmt.Errorf("%s: %w", symbol, errSymbolNotListed)
	}
	info := parseSymbolInfo(resp.Symbols[0])
	if !info.trading {
		return symbolInfo{}, fmt.Errorf("%s status %s: %w", symbol, resp.Symbols[0].Status, errSymbolNotListed)
	}
	c.mu.Lock()
	c.symbolCache[id] = info
	c.mu.Unlock()
	return info, nil
}
