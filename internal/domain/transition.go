package domain

import (
	"github.com/shopspring/decimal"

	"order_sync/internal/event"
	"order_sync/pkg/ident"
)

// TransitionKind is the semantic change an applied event produced.
type TransitionKind uint8

const (
	// TransitionNone marks a status passthrough with no semantic change
	// (e.g. PENDING_CANCEL). Not published to subscribers.
	TransitionNone TransitionKind = iota
	TransitionOpened
	TransitionPartiallyFilled
	TransitionFilled
	TransitionCanceled
	TransitionRejected
	// TransitionResynced is synthetic: it carries the net change between the
	// last-known-good state and an authoritative REST snapshot.
	TransitionResynced
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionOpened:
		return "OPENED"
	case TransitionPartiallyFilled:
		return "PARTIALLY_FILLED"
	case TransitionFilled:
		return "FILLED"
	case TransitionCanceled:
		return "CANCELED"
	case TransitionRejected:
		return "REJECTED"
	case TransitionResynced:
		return "RESYNCED"
	default:
		return "NONE"
	}
}

// Transition describes one accepted lifecycle change of an order.
// Seq is monotonic per order; consumers receiving a transition twice can
// detect the duplicate by Seq and discard it. Delta fields carry the
// increment (not the cumulative totals) so downstream accounting stays
// auditable.
type Transition struct {
	OrderID ident.ID       `json:"order_id"`
	Symbol  string         `json:"symbol"`
	Seq     uint64         `json:"seq"`
	Kind    TransitionKind `json:"kind"`
	Status  event.Status   `json:"status"`

	DeltaQty decimal.Decimal `json:"delta_qty"`
	DeltaVol decimal.Decimal `json:"delta_vol"`
	Fee      decimal.Decimal `json:"fee"`
	FeeAsset string          `json:"fee_asset"`

	HadFills bool     `json:"had_fills"`
	Reason   string   `json:"reason,omitempty"`
	TradeID  ident.ID `json:"trade_id"`
	Maker    bool     `json:"maker"`
	Ts       int64    `json:"ts"`
}
