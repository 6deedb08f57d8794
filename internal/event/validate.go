package event

import "fmt"

// MalformedEventError reports an update whose payload is internally
// inconsistent. Malformed events are logged and dropped without touching
// order state.
type MalformedEventError struct {
	Field  string
	Detail string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event [%s]: %s", e.Field, e.Detail)
}

// Validate checks the internal consistency of an order update.
func (e *OrderUpdateEvent) Validate() error {
	if !e.OrderID.Valid() {
		return &MalformedEventError{Field: "order_id", Detail: "absent"}
	}
	if e.CumQty.LessThan(e.LastQty) {
		return &MalformedEventError{
			Field:  "cummulative_qty",
			Detail: fmt.Sprintf("cumulative %s below last fill %s", e.CumQty, e.LastQty),
		}
	}
	if e.Action == ActionTrade && !e.TradeID.Valid() {
		return &MalformedEventError{Field: "trade_id", Detail: "absent on trade"}
	}
	if e.Action == ActionNew && e.Qty.Sign() <= 0 {
		return &MalformedEventError{
			Field:  "qty",
			Detail: fmt.Sprintf("non-positive quantity %s on placement", e.Qty),
		}
	}
	return nil
}
