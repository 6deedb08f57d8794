package binance

import (
	"time"

	"github.com/shopspring/decimal"

	"order_sync/internal/domain"
	"order_sync/internal/event"
	"order_sync/pkg/ident"
)

const (
	maxRetries        = 10
	pingInterval      = 30 * time.Second
	readTimeout       = 90 * time.Second
	keepAliveInterval = 25 * time.Minute
)

// executionReport is the raw order-update payload pushed on the user data
// stream. Single-letter keys are the exchange wire format.
type executionReport struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`

	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	Side              string `json:"S"`
	OrderType         string `json:"o"`
	TimeInForce       string `json:"f"`

	Qty        string `json:"q"`
	Price      string `json:"p"`
	StopPrice  string `json:"P"`
	IcebergQty string `json:"F"`

	OrderListID int64  `json:"g"`
	ExecType    string `json:"x"`
	Status      string `json:"X"`
	Reason      string `json:"r"`
	OrderID     int64  `json:"i"`

	LastQty   string `json:"l"`
	CumQty    string `json:"z"`
	LastPrice string `json:"L"`

	FeeQty   string `json:"n"`
	FeeAsset string `json:"N"`

	TradeTime int64 `json:"T"`
	TradeID   int64 `json:"t"`

	InOrderBook bool `json:"w"`
	Maker       bool `json:"m"`

	// Sink fields for the stream's documented "ignore" keys. Without
	// them encoding/json's case-insensitive fallback lets "I" and "M"
	// overwrite OrderID ("i") and Maker ("m").
	IgnoreI int64 `json:"I"`
	IgnoreM bool  `json:"M"`

	OrderCreateTime int64  `json:"O"`
	CumVol          string `json:"Z"`
	LastVol         string `json:"Y"`
	QuoteOrderQty   string `json:"Q"`
}

// orderInfo is the REST order record returned by GET /api/v3/order and
// GET /api/v3/openOrders.
type orderInfo struct {
	Symbol            string `json:"symbol"`
	OrderID           int64  `json:"orderId"`
	OrderListID       int64  `json:"orderListId"`
	ClientOrderID     string `json:"clientOrderId"`
	Price             string `json:"price"`
	OrigQty           string `json:"origQty"`
	ExecutedQty       string `json:"executedQty"`
	CumQuoteQty       string `json:"cummulativeQuoteQty"`
	Status            string `json:"status"`
	TimeInForce       string `json:"timeInForce"`
	Type              string `json:"type"`
	Side              string `json:"side"`
	StopPrice         string `json:"stopPrice"`
	IcebergQty        string `json:"icebergQty"`
	Time              int64  `json:"time"`
	UpdateTime        int64  `json:"updateTime"`
	IsWorking         bool   `json:"isWorking"`
	OrigQuoteOrderQty string `json:"origQuoteOrderQty"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// dec parses a decimal wire field, treating empty strings as zero. The
// exchange omits fee fields on non-trade updates.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}

// toOrderUpdateEvent fills a pooled event from a raw execution report.
func (r *executionReport) toOrderUpdateEvent(ev *event.OrderUpdateEvent) {
	ev.Ts = r.EventTime
	ev.Symbol = r.Symbol
	ev.ClientOrderID = r.ClientOrderID
	ev.OrigClientOrderID = r.OrigClientOrderID
	ev.Side = event.Side(r.Side)
	ev.OrderType = event.OrderType(r.OrderType)
	ev.TimeInForce = event.TimeInForce(r.TimeInForce)
	ev.Qty = dec(r.Qty)
	ev.Price = dec(r.Price)
	ev.StopPrice = dec(r.StopPrice)
	ev.IcebergQty = dec(r.IcebergQty)
	ev.OrderListID = ident.FromWire(r.OrderListID)
	ev.Action = event.Action(r.ExecType)
	ev.Status = event.Status(r.Status)
	ev.Reason = r.Reason
	ev.OrderID = ident.FromWire(r.OrderID)
	ev.LastQty = dec(r.LastQty)
	ev.CumQty = dec(r.CumQty)
	ev.LastPrice = dec(r.LastPrice)
	ev.FeeQty = dec(r.FeeQty)
	ev.FeeAsset = r.FeeAsset
	ev.TradeTime = r.TradeTime
	ev.TradeID = ident.FromWire(r.TradeID)
	ev.InOrderBook = r.InOrderBook
	ev.Maker = r.Maker
	ev.OrderCreateTime = r.OrderCreateTime
	ev.CumVol = dec(r.CumVol)
	ev.LastVol = dec(r.LastVol)
	ev.QuoteOrderQty = dec(r.QuoteOrderQty)
}

// toSnapshot converts a REST order record into the authoritative snapshot
// consumed during resynchronization.
func (o *orderInfo) toSnapshot() domain.OrderSnapshot {
	return domain.OrderSnapshot{
		OrderID:       ident.FromWire(o.OrderID),
		Symbol:        o.Symbol,
		ClientOrderID: o.ClientOrderID,
		OrderListID:   ident.FromWire(o.OrderListID),
		Side:          event.Side(o.Side),
		OrderType:     event.OrderType(o.Type),
		TimeInForce:   event.TimeInForce(o.TimeInForce),
		Status:        event.Status(o.Status),
		Price:         dec(o.Price),
		Qty:           dec(o.OrigQty),
		CumQty:        dec(o.ExecutedQty),
		CumVol:        dec(o.CumQuoteQty),
		StopPrice:     dec(o.StopPrice),
		IcebergQty:    dec(o.IcebergQty),
		CreateTime:    o.Time,
		UpdateTime:    o.UpdateTime,
		InOrderBook:   o.IsWorking,
	}
}
