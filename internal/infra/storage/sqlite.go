package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"order_sync/internal/domain"
	"order_sync/internal/event"
	"order_sync/pkg/ident"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the SQLite-backed audit log: an append-only record of accepted
// transitions plus the last-known record of every order. The order table also
// seeds resynchronization on startup.
type Storage struct {
	db *gorm.DB
}

// TransitionRecord is one accepted state transition. Append-only.
// Quantities are stored as strings to keep exact decimal precision.
type TransitionRecord struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	OrderID  int64  `gorm:"index"`
	Symbol   string `gorm:"index"`
	Seq      uint64
	Kind     string
	Status   string
	DeltaQty string
	DeltaVol string
	Fee      string
	FeeAsset string
	HadFills bool
	Reason   string
	TradeID  int64
	Maker    bool
	Ts       int64
}

// OrderRecord is the last persisted snapshot of an order.
type OrderRecord struct {
	OrderID       int64 `gorm:"primaryKey"`
	Symbol        string
	ClientOrderID string
	OrderListID   int64
	Side          string
	Type          string
	TimeInForce   string
	Status        string `gorm:"index"`
	Price         string
	Qty           string
	CumQty        string
	CumVol        string
	StopPrice     string
	IcebergQty    string
	CreateTime    int64
	UpdateTime    int64
	InOrderBook   bool
}

// NewStorage creates a new SQLite storage instance. An empty path resolves
// a default location under the user config directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		var err error
		dbPath, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&TransitionRecord{}, &OrderRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "OrderSync", "data", "ordersync.db"), nil
}

// AppendTransition records one accepted transition. Never updated or deleted.
func (s *Storage) AppendTransition(ctx context.Context, tr domain.Transition) error {
	rec := TransitionRecord{
		OrderID:  tr.OrderID.Wire(),
		Symbol:   tr.Symbol,
		Seq:      tr.Seq,
		Kind:     tr.Kind.String(),
		Status:   string(tr.Status),
		DeltaQty: tr.DeltaQty.String(),
		DeltaVol: tr.DeltaVol.String(),
		Fee:      tr.Fee.String(),
		FeeAsset: tr.FeeAsset,
		HadFills: tr.HadFills,
		Reason:   tr.Reason,
		TradeID:  tr.TradeID.Wire(),
		Maker:    tr.Maker,
		Ts:       tr.Ts,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// UpsertOrder persists the latest snapshot of an order.
func (s *Storage) UpsertOrder(ctx context.Context, snap domain.OrderSnapshot) error {
	rec := OrderRecord{
		OrderID:       snap.OrderID.Wire(),
		Symbol:        snap.Symbol,
		ClientOrderID: snap.ClientOrderID,
		OrderListID:   snap.OrderListID.Wire(),
		Side:          string(snap.Side),
		Type:          string(snap.OrderType),
		TimeInForce:   string(snap.TimeInForce),
		Status:        string(snap.Status),
		Price:         snap.Price.String(),
		Qty:           snap.Qty.String(),
		CumQty:        snap.CumQty.String(),
		CumVol:        snap.CumVol.String(),
		StopPrice:     snap.StopPrice.String(),
		IcebergQty:    snap.IcebergQty.String(),
		CreateTime:    snap.CreateTime,
		UpdateTime:    snap.UpdateTime,
		InOrderBook:   snap.InOrderBook,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// OpenOrders returns every persisted order not yet in a terminal status.
// Used on startup to queue resynchronization for orders that may have
// changed while the process was down.
func (s *Storage) OpenOrders(ctx context.Context) ([]domain.OrderSnapshot, error) {
	var recs []OrderRecord
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []string{
			string(event.StatusFilled),
			string(event.StatusCanceled),
			string(event.StatusRejected),
			string(event.StatusExpired),
		}).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	snaps := make([]domain.OrderSnapshot, 0, len(recs))
	for i := range recs {
		snaps = append(snaps, recs[i].toSnapshot())
	}
	return snaps, nil
}

// Transitions returns the audit trail of one order in acceptance order.
func (s *Storage) Transitions(ctx context.Context, orderID ident.ID) ([]TransitionRecord, error) {
	var recs []TransitionRecord
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID.Wire()).
		Order("seq asc").
		Find(&recs).Error
	return recs, err
}

// mustDecimal re-parses a value this process serialized itself. A corrupt
// column comes back as zero rather than aborting the startup seed.
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}

func (r *OrderRecord) toSnapshot() domain.OrderSnapshot {
	return domain.OrderSnapshot{
		OrderID:       ident.FromWire(r.OrderID),
		Symbol:        r.Symbol,
		ClientOrderID: r.ClientOrderID,
		OrderListID:   ident.FromWire(r.OrderListID),
		Side:          event.Side(r.Side),
		OrderType:     event.OrderType(r.Type),
		TimeInForce:   event.TimeInForce(r.TimeInForce),
		Status:        event.Status(r.Status),
		Price:         mustDecimal(r.Price),
		Qty:           mustDecimal(r.Qty),
		CumQty:        mustDecimal(r.CumQty),
		CumVol:        mustDecimal(r.CumVol),
		StopPrice:     mustDecimal(r.StopPrice),
		IcebergQty:    mustDecimal(r.IcebergQty),
		CreateTime:    r.CreateTime,
		UpdateTime:    r.UpdateTime,
		InOrderBook:   r.InOrderBook,
	}
}
