package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"bandgrid/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
}

type orderQueryResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
}

func (r orderQueryResponse) toOrder(symbol string) core.Order {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.OrigQty)
	executed, _ := decimal.NewFromString(r.ExecutedQty)
	cost, _ := decimal.NewFromString(r.CumulativeQuoteQty)
	order := core.Order{
		ID:          strconv.FormatInt(r.OrderID, 10),
		ClientID:    r.ClientOrderID,
		Symbol:      symbol,
		Side:        core.Side(r.Side),
		Type:        core.OrderType(r.Type),
		Price:       price,
		Qty:         qty,
		ExecutedQty: executed,
		Cost:        cost,
		Status:      core.OrderStatus(r.Status),
	}
	if order.Status == "" {
		order.Status = core.OrderNew
	}
	if r.Time > 0 {
		order.CreatedAt = time.UnixMilli(r.Time)
	}
	if r.UpdateTime > 0 {
		order.UpdatedAt = time.UnixMilli(r.UpdateTime)
	}
	return order
}

type tradeResponse struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

func (r tradeResponse) toTrade(symbol string) core.Trade {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.Qty)
	quoteQty, _ := decimal.NewFromString(r.QuoteQty)
	fee, _ := decimal.NewFromString(r.Commission)
	side := core.Sell
	if r.IsBuyer {
		side = core.Buy
	}
	tr := core.Trade{
		OrderID:  strconv.FormatInt(r.OrderID, 10),
		TradeID:  strconv.FormatInt(r.ID, 10),
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Qty:      qty,
		QuoteQty: quoteQty,
		Fee:      fee,
		FeeAsset: r.CommissionAsset,
	}
	if r.Time > 0 {
		tr.Time = time.UnixMilli(r.Time)
	}
	return tr
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
	TickSize    string `json:"tickSize"`
}

type symbolInfoResponse struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []symbolFilter `json:"filters"`
}

type symbolInfo struct {
	baseAsset  string
	quoteAsset string
	trading    bool
	rules      core.Rules
}

func parseSymbolInfo(src symbolInfoResponse) symbolInfo {
	info := symbolInfo{
		baseAsset:  src.BaseAsset,
		quoteAsset: src.QuoteAsset,
		trading:    src.Status == "" || src.Status == "TRADING",
		rules:      core.Rules{MinQty: decimal.Zero, MinNotional: decimal.Zero, PriceTick: decimal.Zero, QtyStep: decimal.Zero},
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if v, err := decimal.NewFromString(f.MinQty); err == nil {
				info.rules.MinQty = v
			}
			if v, err := decimal.NewFromString(f.StepSize); err == nil {
				info.rules.QtyStep = v
			}
		case "PRICE_FILTER":
			if v, err := decimal.NewFromString(f.TickSize); err == nil {
				info.rules.PriceTick = v
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			if v, err := decimal.NewFromString(f.MinNotional); err == nil {
				// Both filters may be present; keep the stricter one.
				if v.Cmp(info.rules.MinNotional) > 0 {
					info.rules.MinNotional = v
				}
			}
		}
	}
	return info
}
