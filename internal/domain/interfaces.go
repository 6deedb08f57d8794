package domain

import (
	"context"

	"order_sync/pkg/ident"
)

// ExchangeWorker defines the interface for exchange WebSocket connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// SnapshotSource is the REST collaborator queried for an authoritative order
// record during resynchronization. Implementations must return
// ErrOrderNotFound when the exchange no longer recognizes the order and a
// retriable error (see RetriableError) on transient failures.
type SnapshotSource interface {
	QueryOrder(ctx context.Context, symbol string, orderID ident.ID) (OrderSnapshot, error)
	OpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error)
}

// AuditStore is the append-only log of accepted transitions and the archive
// of retired orders.
type AuditStore interface {
	AppendTransition(ctx context.Context, tr Transition) error
	UpsertOrder(ctx context.Context, snap OrderSnapshot) error
	OpenOrders(ctx context.Context) ([]OrderSnapshot, error)
}
