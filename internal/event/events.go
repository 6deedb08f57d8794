package event

import (
	"github.com/shopspring/decimal"

	"order_sync/pkg/ident"
)

// Type defines the type of event.
type Type uint16

const (
	EvOrderUpdate Type = iota + 1
	EvStreamReconnected
	EvResyncRequest
)

// Event is the interface for all reconciler events.
type Event interface {
	GetSeq() uint64
	GetTs() int64
	GetType() Type
}

// BaseEvent contains common fields for all events.
// Ts is the exchange event time in Unix milliseconds.
type BaseEvent struct {
	Seq uint64 `json:"seq"`
	Ts  int64  `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64 { return e.Seq }
func (e BaseEvent) GetTs() int64   { return e.Ts }

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType identifies how an order executes.
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeLimitMaker      OrderType = "LIMIT_MAKER"
)

// HasLimitPrice reports whether orders of this type carry a resting limit
// price. Market-style orders have no meaningful price until they fill.
func (t OrderType) HasLimitPrice() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLossLimit, OrderTypeTakeProfitLimit, OrderTypeLimitMaker:
		return true
	}
	return false
}

// TimeInForce is the execution constraint of an order.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
)

// Action is the kind of lifecycle notification an update carries.
type Action string

const (
	ActionNew      Action = "NEW"
	ActionTrade    Action = "TRADE"
	ActionCanceled Action = "CANCELED"
	ActionRejected Action = "REJECTED"
	ActionExpired  Action = "EXPIRED"
	ActionReplaced Action = "REPLACED"
)

// Status is the order status as of a given update.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusPendingCancel   Status = "PENDING_CANCEL"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether no further legitimate transition exists.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderUpdateEvent is one decoded order-update notification from the push
// channel. Placement parameters (Qty, Price, StopPrice, IcebergQty) are
// invariant across the order's life; LastQty/LastPrice/FeeQty describe only
// the increment contributed by this event, and CumQty/CumVol are running
// totals since creation.
type OrderUpdateEvent struct {
	BaseEvent

	Symbol            string      `json:"symbol"`
	ClientOrderID     string      `json:"client_order_id"`
	OrigClientOrderID string      `json:"orig_client_order_id"`
	Side              Side        `json:"side"`
	OrderType         OrderType   `json:"order_type"`
	TimeInForce       TimeInForce `json:"time_in_force"`

	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	IcebergQty decimal.Decimal `json:"iceberg_qty"`

	OrderListID ident.ID `json:"order_list_id"`
	Action      Action   `json:"action"`
	Status      Status   `json:"status"`
	Reason      string   `json:"reason"`
	OrderID     ident.ID `json:"order_id"`

	LastQty   decimal.Decimal `json:"last_qty"`
	CumQty    decimal.Decimal `json:"cummulative_qty"`
	LastPrice decimal.Decimal `json:"last_price"`

	FeeQty   decimal.Decimal `json:"fee_qty"`
	FeeAsset string          `json:"fee_quote"`

	TradeTime int64    `json:"trade_time"`
	TradeID   ident.ID `json:"trade_id"`

	InOrderBook bool `json:"in_order_book"`
	Maker       bool `json:"maker"`

	OrderCreateTime int64           `json:"order_create_time"`
	CumVol          decimal.Decimal `json:"cummulative_vol"`
	LastVol         decimal.Decimal `json:"last_vol"`
	QuoteOrderQty   decimal.Decimal `json:"quote_order_qty"`
}

func (e OrderUpdateEvent) GetType() Type { return EvOrderUpdate }

// StreamReconnectedEvent signals that the push channel dropped and came back.
// Anything confirmed only over the old connection may have been missed, so
// every open order must be resynchronized.
type StreamReconnectedEvent struct {
	BaseEvent
}

func (e StreamReconnectedEvent) GetType() Type { return EvStreamReconnected }

// ResyncRequestEvent asks the reconciler to fetch the authoritative record
// for one order. Queued on startup for every order believed open.
type ResyncRequestEvent struct {
	BaseEvent
	OrderID ident.ID
	Symbol  string
}

func (e ResyncRequestEvent) GetType() Type { return EvResyncRequest }
