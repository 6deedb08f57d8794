package domain

import (
	"github.com/shopspring/decimal"

	"order_sync/internal/event"
	"order_sync/pkg/ident"
)

// OrderSnapshot is the authoritative order record fetched from the REST
// collaborator during resynchronization. It is merged by value; the engine
// never holds a live reference into the collaborator.
type OrderSnapshot struct {
	OrderID       ident.ID
	Symbol        string
	ClientOrderID string
	OrderListID   ident.ID
	Side          event.Side
	OrderType     event.OrderType
	TimeInForce   event.TimeInForce
	Status        event.Status

	Price      decimal.Decimal
	Qty        decimal.Decimal
	CumQty     decimal.Decimal
	CumVol     decimal.Decimal
	StopPrice  decimal.Decimal
	IcebergQty decimal.Decimal

	CreateTime  int64
	UpdateTime  int64
	InOrderBook bool
}

// Resynced replaces local state wholesale with the authoritative snapshot
// and returns the single synthetic transition capturing the net change from
// the last-known-good state. prev may be nil (startup resync of an order
// only known from the audit log). The delta can be negative when local state
// had drifted ahead; publishing the signed net keeps downstream accounting
// consistent without a fill ever disappearing silently or counting twice.
func Resynced(prev *OrderState, snap OrderSnapshot) (*OrderState, Transition) {
	var prevSeq uint64
	prevQty := decimal.Decimal{}
	prevVol := decimal.Decimal{}
	if prev != nil {
		prevSeq = prev.seq
		prevQty = prev.CumQty
		prevVol = prev.CumVol
	}

	s := &OrderState{
		OrderID:       snap.OrderID,
		Symbol:        snap.Symbol,
		ClientOrderID: snap.ClientOrderID,
		Side:          snap.Side,
		Pricing:       PricingFromEvent(snap.OrderType, snap.Price),
		TimeInForce:   snap.TimeInForce,
		Qty:           snap.Qty,
		StopPrice:     snap.StopPrice,
		IcebergQty:    snap.IcebergQty,
		OrderListID:   snap.OrderListID,
		Status:        snap.Status,
		CumQty:        snap.CumQty,
		CumVol:        snap.CumVol,
		LastTradeID:   ident.None(),
		CreateTime:    snap.CreateTime,
		InOrderBook:   snap.InOrderBook,
		seq:           prevSeq + 1,
	}

	tr := Transition{
		OrderID:  s.OrderID,
		Symbol:   s.Symbol,
		Seq:      s.seq,
		Kind:     TransitionResynced,
		Status:   s.Status,
		DeltaQty: snap.CumQty.Sub(prevQty),
		DeltaVol: snap.CumVol.Sub(prevVol),
		HadFills: s.HadFills(),
		TradeID:  ident.None(),
		Ts:       snap.UpdateTime,
	}
	return s, tr
}

// ImplicitlyCanceled handles ErrOrderNotFound from the collaborator: the
// exchange no longer recognizes the order, so it is closed at the last
// confirmed cumulative quantity.
func ImplicitlyCanceled(prev *OrderState) Transition {
	prev.seq++
	prev.Status = event.StatusCanceled
	prev.InOrderBook = false
	return Transition{
		OrderID:  prev.OrderID,
		Symbol:   prev.Symbol,
		Seq:      prev.seq,
		Kind:     TransitionResynced,
		Status:   event.StatusCanceled,
		HadFills: prev.HadFills(),
		Reason:   "order unknown to exchange",
		TradeID:  ident.None(),
		Ts:       prev.LastTradeTime,
	}
}

// Snapshot returns the by-value authoritative view of the state itself,
// used when archiving to the audit log.
func (s *OrderState) Snapshot() OrderSnapshot {
	price := decimal.Decimal{}
	if p, ok := s.Pricing.Limit(); ok {
		price = p
	}
	return OrderSnapshot{
		OrderID:       s.OrderID,
		Symbol:        s.Symbol,
		ClientOrderID: s.ClientOrderID,
		OrderListID:   s.OrderListID,
		Side:          s.Side,
		OrderType:     s.Pricing.Type(),
		TimeInForce:   s.TimeInForce,
		Status:        s.Status,
		Price:         price,
		Qty:           s.Qty,
		CumQty:        s.CumQty,
		CumVol:        s.CumVol,
		StopPrice:     s.StopPrice,
		IcebergQty:    s.IcebergQty,
		CreateTime:    s.CreateTime,
		UpdateTime:    s.LastTradeTime,
		InOrderBook:   s.InOrderBook,
	}
}
