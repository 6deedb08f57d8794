package domain

import (
	"github.com/shopspring/decimal"

	"order_sync/internal/event"
	"order_sync/pkg/ident"
)

// Pricing is a tagged variant over the order type. Market-style orders carry
// no resting limit price, so a nonsensical pre-fill price cannot be stored.
type Pricing struct {
	orderType event.OrderType
	limit     decimal.Decimal
}

// PricingFromEvent builds the pricing variant from placement fields.
// The price field of a market-style order is discarded.
func PricingFromEvent(t event.OrderType, price decimal.Decimal) Pricing {
	if !t.HasLimitPrice() {
		return Pricing{orderType: t}
	}
	return Pricing{orderType: t, limit: price}
}

// Type returns the order type tag.
func (p Pricing) Type() event.OrderType {
	return p.orderType
}

// Limit returns the resting limit price and whether one exists for this
// order type.
func (p Pricing) Limit() (decimal.Decimal, bool) {
	if !p.orderType.HasLimitPrice() {
		return decimal.Decimal{}, false
	}
	return p.limit, true
}

// OrderState is the authoritative record of one order's lifecycle, derived
// purely from the sequence of events applied to it. It is not safe for
// concurrent use; the reconciler serializes access per order.
type OrderState struct {
	OrderID       ident.ID
	Symbol        string
	ClientOrderID string
	Side          event.Side
	Pricing       Pricing
	TimeInForce   event.TimeInForce

	Qty        decimal.Decimal
	StopPrice  decimal.Decimal
	IcebergQty decimal.Decimal

	// OrderListID links OCO groups. Passthrough only: linked-order
	// cancellation propagation is not tracked here.
	OrderListID ident.ID

	Status event.Status
	CumQty decimal.Decimal
	CumVol decimal.Decimal

	LastTradeID   ident.ID
	LastTradeTime int64
	CreateTime    int64
	InOrderBook   bool

	seq uint64 // per-order transition sequence, monotonic
}

// NewFromEvent creates the state for an order's first New-action event and
// returns the Opened transition.
func NewFromEvent(ev *event.OrderUpdateEvent) (*OrderState, Transition, error) {
	if err := ev.Validate(); err != nil {
		return nil, Transition{}, err
	}
	if ev.Action != event.ActionNew {
		return nil, Transition{}, ErrUnknownOrder
	}

	s := &OrderState{
		OrderID:       ev.OrderID,
		Symbol:        ev.Symbol,
		ClientOrderID: ev.ClientOrderID,
		Side:          ev.Side,
		Pricing:       PricingFromEvent(ev.OrderType, ev.Price),
		TimeInForce:   ev.TimeInForce,
		Qty:           ev.Qty,
		StopPrice:     ev.StopPrice,
		IcebergQty:    ev.IcebergQty,
		OrderListID:   ev.OrderListID,
		Status:        event.StatusNew,
		CumQty:        ev.CumQty,
		CumVol:        ev.CumVol,
		LastTradeID:   ident.None(),
		CreateTime:    ev.OrderCreateTime,
		InOrderBook:   ev.InOrderBook,
	}

	return s, s.transition(TransitionOpened, ev, decimal.Decimal{}, decimal.Decimal{}), nil
}

// Remaining returns the unfilled quantity.
func (s *OrderState) Remaining() decimal.Decimal {
	return s.Qty.Sub(s.CumQty)
}

// Terminal reports whether the order reached a status with no outgoing
// transitions.
func (s *OrderState) Terminal() bool {
	return s.Status.Terminal()
}

// IsOpen checks if the order is still active.
func (s *OrderState) IsOpen() bool {
	return !s.Terminal()
}

// HadFills reports whether any quantity executed.
func (s *OrderState) HadFills() bool {
	return s.CumQty.Sign() > 0
}

// NextSeq returns the sequence number the next transition will carry.
func (s *OrderState) NextSeq() uint64 {
	return s.seq + 1
}

// Apply validates the incoming event against the current state and applies
// it idempotently.
//
// Error contract:
//   - *StaleEventError: duplicate/replay, drop silently, state untouched.
//   - *OutOfOrderError: cumulative regression, caller must resync.
//   - *TerminalViolationError: mutation after terminal status, caller must
//     resync.
//
// A successful apply with Kind == TransitionNone means the event was a
// passthrough (parameter replace, PENDING_CANCEL) and nothing is published.
func (s *OrderState) Apply(ev *event.OrderUpdateEvent) (Transition, error) {
	if ev.OrderID != s.OrderID {
		return Transition{}, ErrOrderMismatch
	}

	cmp := ev.CumQty.Cmp(s.CumQty)

	if s.Terminal() {
		return Transition{}, s.applyToTerminal(ev, cmp)
	}

	switch ev.Action {
	case event.ActionNew:
		// Duplicate placement notification.
		return Transition{}, s.stale(ev)

	case event.ActionTrade:
		return s.applyTrade(ev, cmp)

	case event.ActionCanceled, event.ActionExpired:
		return s.applyClose(ev, cmp)

	case event.ActionRejected:
		if cmp < 0 && ev.CumQty.Sign() > 0 {
			return Transition{}, s.regression(ev)
		}
		s.Status = event.StatusRejected
		s.InOrderBook = false
		return s.transition(TransitionRejected, ev, decimal.Decimal{}, decimal.Decimal{}), nil

	case event.ActionReplaced:
		return s.applyReplace(ev, cmp)

	default:
		return Transition{Kind: TransitionNone}, nil
	}
}

// applyToTerminal absorbs late duplicates of the terminal event and rejects
// everything else. A replayed trade whose cumulative quantity is already
// accounted for is stale, which also resolves the cancel-after-partial-fill
// tie: whichever of the equal-cumulative Trade/Canceled pair arrives second
// is a no-op.
func (s *OrderState) applyToTerminal(ev *event.OrderUpdateEvent, cmp int) error {
	if ev.Status == s.Status && cmp == 0 {
		return s.stale(ev) // exact duplicate of the terminal event
	}
	if cmp <= 0 && (ev.Action == event.ActionTrade || ev.Action == event.ActionNew) {
		return s.stale(ev)
	}
	return &TerminalViolationError{
		OrderID: s.OrderID,
		Status:  string(s.Status),
		Action:  string(ev.Action),
	}
}

func (s *OrderState) applyTrade(ev *event.OrderUpdateEvent, cmp int) (Transition, error) {
	if ev.TradeID.Valid() && ev.TradeID == s.LastTradeID {
		return Transition{}, s.stale(ev)
	}
	if cmp == 0 {
		return Transition{}, s.stale(ev)
	}
	if cmp < 0 {
		if ev.CumQty.Sign() == 0 {
			// Replay of a pre-fill event, nothing to apply.
			return Transition{}, s.stale(ev)
		}
		return Transition{}, s.regression(ev)
	}

	// Deltas come from the cumulative totals, not last_qty, so that a fill
	// arriving after a missed intermediate one still reconciles the books.
	deltaQty := ev.CumQty.Sub(s.CumQty)
	deltaVol := ev.CumVol.Sub(s.CumVol)

	s.CumQty = ev.CumQty
	s.CumVol = ev.CumVol
	s.LastTradeID = ev.TradeID
	s.LastTradeTime = ev.TradeTime
	s.InOrderBook = ev.InOrderBook

	kind := TransitionPartiallyFilled
	if ev.Status == event.StatusFilled || s.CumQty.GreaterThanOrEqual(s.Qty) {
		s.Status = event.StatusFilled
		kind = TransitionFilled
	} else {
		s.Status = event.StatusPartiallyFilled
	}

	return s.transition(kind, ev, deltaQty, deltaVol), nil
}

func (s *OrderState) applyClose(ev *event.OrderUpdateEvent, cmp int) (Transition, error) {
	if ev.Status == event.StatusPendingCancel {
		// The venue documents this status as unused; track it but publish
		// nothing until the definitive CANCELED arrives.
		s.Status = event.StatusPendingCancel
		return Transition{Kind: TransitionNone}, nil
	}
	if cmp < 0 {
		// A close reporting fewer fills than already confirmed contradicts
		// recorded state regardless of the amount.
		return Transition{}, s.regression(ev)
	}

	var deltaQty, deltaVol decimal.Decimal
	if cmp > 0 {
		deltaQty = ev.CumQty.Sub(s.CumQty)
		deltaVol = ev.CumVol.Sub(s.CumVol)
		s.CumQty = ev.CumQty
		s.CumVol = ev.CumVol
	}

	if ev.Action == event.ActionExpired {
		s.Status = event.StatusExpired
	} else {
		s.Status = event.StatusCanceled
	}
	s.InOrderBook = false

	return s.transition(TransitionCanceled, ev, deltaQty, deltaVol), nil
}

// applyReplace updates placement parameters in place. The replace
// notification is a parameter change, not a lifecycle transition.
func (s *OrderState) applyReplace(ev *event.OrderUpdateEvent, cmp int) (Transition, error) {
	if cmp < 0 && ev.CumQty.Sign() > 0 {
		return Transition{}, s.regression(ev)
	}
	s.Qty = ev.Qty
	s.Pricing = PricingFromEvent(ev.OrderType, ev.Price)
	s.IcebergQty = ev.IcebergQty
	if ev.ClientOrderID != "" {
		s.ClientOrderID = ev.ClientOrderID
	}
	return Transition{Kind: TransitionNone}, nil
}

func (s *OrderState) stale(ev *event.OrderUpdateEvent) *StaleEventError {
	return &StaleEventError{OrderID: s.OrderID, TradeID: ev.TradeID, CumQty: ev.CumQty}
}

func (s *OrderState) regression(ev *event.OrderUpdateEvent) *OutOfOrderError {
	return &OutOfOrderError{OrderID: s.OrderID, Got: ev.CumQty, Recorded: s.CumQty}
}

func (s *OrderState) transition(kind TransitionKind, ev *event.OrderUpdateEvent, deltaQty, deltaVol decimal.Decimal) Transition {
	s.seq++
	return Transition{
		OrderID:  s.OrderID,
		Symbol:   s.Symbol,
		Seq:      s.seq,
		Kind:     kind,
		Status:   s.Status,
		DeltaQty: deltaQty,
		DeltaVol: deltaVol,
		Fee:      ev.FeeQty,
		FeeAsset: ev.FeeAsset,
		HadFills: s.HadFills(),
		Reason:   ev.Reason,
		TradeID:  ev.TradeID,
		Maker:    ev.Maker,
		Ts:       ev.TradeTime,
	}
}
