package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bandgrid/internal/core"
)

type orderWSConn struct {
	conn *websocket.Conn
	stop chan struct{}
}

// PlaceOrder submits over the websocket api first and falls back to REST on
// transport failures. Venue rejections are returned as-is.
func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.ClientID == "" {
		order.ClientID = newClientOrderID(c.clientOrderPrefix)
	}
	fields := logrus.Fields{
		"symbol":    order.Symbol,
		"side":      order.Side,
		"type":      order.Type,
		"price":     order.Price.String(),
		"qty":       order.Qty.String(),
		"client_id": order.ClientID,
	}
	placed, err := c.placeOrderWS(ctx, order)
	if err == nil {
		if c.clearWSDegraded() {
			c.log.WithField("event", "ws_order_recovered").WithFields(fields).Info("websocket order placement recovered")
		}
		return placed, nil
	}
	if _, ok := AsAPIError(err); ok {
		return core.Order{}, err
	}
	if c.wsBaseURL != "" && c.markWSDegraded() {
		c.log.WithField("event", "ws_order_fallback_to_rest").WithFields(fields).WithError(err).Warn("websocket order placement failed, using REST")
	}
	return c.placeOrderREST(ctx, order)
}

func (c *Client) placeOrderWS(ctx context.Context, order core.Order) (core.Order, error) {
	if c.wsBaseURL == "" {
		return core.Order{}, errors.New("ws base url required")
	}
	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	conn, err := c.ensureOrderConn(ctx)
	if err != nil {
		return core.Order{}, err
	}
	params, err := c.wsOrderParams(order)
	if err != nil {
		return core.Order{}, err
	}
	resp, err := sendWSRequest(ctx, conn, "order.place", params)
	if err != nil {
		if _, ok := AsAPIError(err); !ok {
			c.resetOrderConn()
		}
		return core.Order{}, err
	}
	var result orderResponse
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return core.Order{}, err
	}
	return applyOrderResponse(order, result), nil
}

func (c *Client) wsOrderParams(order core.Order) (map[string]interface{}, error) {
	if order.Symbol == "" {
		return nil, errors.New("symbol required")
	}
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return nil, errors.New("invalid order")
	}
	if order.Type == core.Limit && order.Price.Cmp(decimal.Zero) <= 0 {
		return nil, errors.New("invalid order price")
	}
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	ts := time.Now().UnixMilli()
	values := orderValues(order)
	values.Set("apiKey", c.apiKey)
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	if c.recvWindow > 0 {
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	values.Set("signature", sign(c.apiSecret, values.Encode()))

	params := make(map[string]interface{}, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	params["timestamp"] = ts
	if c.recvWindow > 0 {
		params["recvWindow"] = c.recvWindow.Milliseconds()
	}
	return params, nil
}

func orderValues(order core.Order) url.Values {
	values := url.Values{}
	values.Set("symbol", MarketID(order.Symbol))
	values.Set("side", string(order.Side))
	values.Set("type", string(order.Type))
	values.Set("quantity", order.Qty.String())
	values.Set("newOrderRespType", "RESULT")
	if order.Type == core.Limit {
		values.Set("timeInForce", "GTC")
		values.Set("price", order.Price.String())
	}
	if order.ClientID != "" {
		values.Set("newClientOrderId", order.ClientID)
	}
	return values
}

func (c *Client) placeOrderREST(ctx context.Context, order core.Order) (core.Order, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", orderValues(order), AuthSigned)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) && order.ClientID != "" {
			if existing, qerr := c.getOrderByClientID(ctx, order.Symbol, order.ClientID); qerr == nil {
				return existing, nil
			}
		}
		if apiErr, ok := AsAPIError(err); ok && isRejectOrExpireStatus(apiErr.Msg) {
			c.log.WithFields(logrus.Fields{
				"event":      "order_rejected_or_expired",
				"symbol":     order.Symbol,
				"side":       order.Side,
				"client_id":  order.ClientID,
				"error_code": apiErr.Code,
			}).Warn(apiErr.Msg)
		}
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	return applyOrderResponse(order, resp), nil
}

func applyOrderResponse(order core.Order, resp orderResponse) core.Order {
	order.ID = strconv.FormatInt(resp.OrderID, 10)
	if resp.ClientOrderID != "" {
		order.ClientID = resp.ClientOrderID
	}
	order.Status = core.OrderNew
	if resp.Status != "" {
		order.Status = core.OrderStatus(resp.Status)
	}
	if v, err := decimal.NewFromString(resp.ExecutedQty); err == nil {
		order.ExecutedQty = v
	}
	if v, err := decimal.NewFromString(resp.CumulativeQuoteQty); err == nil {
		order.Cost = v
	}
	return order
}

func isRejectOrExpireStatus(v string) bool {
	s := strings.ToUpper(v)
	return strings.Contains(s, "REJECT") || strings.Contains(s, "EXPIRE")
}

func (c *Client) ensureOrderConn(ctx context.Context) (*websocket.Conn, error) {
	if c.orderConn != nil {
		return c.orderConn.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return nil, err
	}
	ow := &orderWSConn{conn: conn, stop: make(chan struct{})}
	c.orderConn = ow
	if c.orderWSKeepalive > 0 {
		go c.orderKeepaliveLoop(ow)
	}
	return conn, nil
}

func (c *Client) resetOrderConn() {
	if c.orderConn == nil {
		return
	}
	close(c.orderConn.stop)
	_ = c.orderConn.conn.Close()
	c.orderConn = nil
}

// newClientOrderID fits the venue's 36 character limit.
func newClientOrderID(prefix string) string {
	if prefix == "" {
		prefix = "bg"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:22]
	return prefix + "-" + suffix
}

func (c *Client) orderKeepaliveLoop(ow *orderWSConn) {
	ticker := time.NewTicker(c.orderWSKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.orderMu.Lock()
			if c.orderConn == nil || c.orderConn != ow {
				c.orderMu.Unlock()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := sendWSRequest(ctx, ow.conn, "ping", nil)
			cancel()
			if err != nil {
				c.log.WithField("event", "ws_order_keepalive_failed").WithError(err).Debug("order websocket dropped")
				c.resetOrderConn()
				c.orderMu.Unlock()
				return
			}
			c.orderMu.Unlock()
		case <-ow.stop:
			return
		}
	}
}
