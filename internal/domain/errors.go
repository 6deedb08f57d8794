package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"order_sync/pkg/ident"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// StaleEventError reports a benign duplicate or replay: the incoming update
// carries nothing newer than what is already recorded. The event is dropped
// without mutating state; this is not surfaced to subscribers.
type StaleEventError struct {
	OrderID ident.ID
	TradeID ident.ID
	CumQty  decimal.Decimal
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("stale event for order %s (trade %s, cum qty %s)",
		e.OrderID, e.TradeID, e.CumQty)
}

// OutOfOrderError reports a true regression: the incoming cumulative quantity
// is below what is recorded, so updates must have been lost or reordered.
// The order can no longer be trusted and needs a resync.
type OutOfOrderError struct {
	OrderID  ident.ID
	Got      decimal.Decimal
	Recorded decimal.Decimal
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order event for order %s: cumulative qty %s below recorded %s",
		e.OrderID, e.Got, e.Recorded)
}

// TerminalViolationError reports a mutating event for an order already in a
// terminal status, other than an exact duplicate of the terminal event.
type TerminalViolationError struct {
	OrderID ident.ID
	Status  string
	Action  string
}

func (e *TerminalViolationError) Error() string {
	return fmt.Sprintf("order %s is terminal (%s), cannot apply %s", e.OrderID, e.Status, e.Action)
}

// FatalDesyncError is surfaced when resynchronization retries are exhausted.
// The affected order is marked unreliable; other orders keep processing.
type FatalDesyncError struct {
	OrderID  ident.ID
	Attempts int
	Err      error
}

func (e *FatalDesyncError) Error() string {
	return fmt.Sprintf("order %s fatally desynchronized after %d resync attempts: %v",
		e.OrderID, e.Attempts, e.Err)
}

func (e *FatalDesyncError) Unwrap() error {
	return e.Err
}

var (
	// ErrOrderNotFound is returned by the snapshot source when the exchange no
	// longer recognizes the order. Treated as an implicit cancellation.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderMismatch is returned when an event is applied to a state tracking
	// a different order_id.
	ErrOrderMismatch = errors.New("order id mismatch")

	// ErrUnknownOrder is returned for a non-New event whose order_id was never
	// tracked.
	ErrUnknownOrder = errors.New("unknown order")
)
