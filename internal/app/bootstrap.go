package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/engine"
	"order_sync/internal/event"
	"order_sync/internal/infra"
	"order_sync/internal/infra/storage"
	"order_sync/pkg/ident"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (Config, Logger, DB)
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping Order Sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig("configs/config.yaml")
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Warm the event pool before the stream starts pushing
	event.Warmup()

	return nil
}

// EngineConfig maps file settings onto the reconciler configuration,
// falling back to defaults for anything unset.
func (b *Bootstrap) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if b.Config.Engine.InboxSize > 0 {
		cfg.InboxSize = b.Config.Engine.InboxSize
	}
	if b.Config.Engine.OrderQueueSize > 0 {
		cfg.OrderQueueSize = b.Config.Engine.OrderQueueSize
	}
	if b.Config.Engine.SubscriberBuffer > 0 {
		cfg.SubscriberBuffer = b.Config.Engine.SubscriberBuffer
	}
	if b.Config.Engine.RetireGraceSec > 0 {
		cfg.RetireGrace = b.Config.RetireGrace()
	}
	if b.Config.Resync.TimeoutSec > 0 {
		cfg.ResyncTimeout = b.Config.ResyncTimeout()
	}
	if b.Config.Resync.MaxAttempts > 0 {
		cfg.ResyncMaxAttempts = b.Config.Resync.MaxAttempts
	}
	return cfg
}

// SeedOpenOrders queues a resynchronization request for every order that is
// still open according to either the audit log or the exchange itself. The
// union covers both failure modes: orders the exchange closed while the
// process was down, and orders placed by another session that the local log
// has never seen.
func (b *Bootstrap) SeedOpenOrders(ctx context.Context, source domain.SnapshotSource, inbox chan<- event.Event, seq *uint64) {
	snaps, err := b.Storage.OpenOrders(ctx)
	if err != nil {
		slog.Error("Failed to load open orders for startup resync", slog.Any("error", err))
		snaps = nil
	}

	seen := make(map[ident.ID]struct{}, len(snaps))
	for _, snap := range snaps {
		seen[snap.OrderID] = struct{}{}
	}

	if source != nil {
		for _, symbol := range b.Config.API.Binance.Symbols {
			remote, err := source.OpenOrders(ctx, symbol)
			if err != nil {
				slog.Error("Failed to query exchange open orders",
					slog.String("symbol", symbol), slog.Any("error", err))
				continue
			}
			for _, snap := range remote {
				if _, dup := seen[snap.OrderID]; dup {
					continue
				}
				seen[snap.OrderID] = struct{}{}
				snaps = append(snaps, snap)
			}
		}
	}

	for _, snap := range snaps {
		req := &event.ResyncRequestEvent{
			OrderID: snap.OrderID,
			Symbol:  snap.Symbol,
		}
		req.Seq = atomic.AddUint64(seq, 1)
		req.Ts = time.Now().UnixMilli()

		select {
		case inbox <- req:
		case <-ctx.Done():
			return
		}
	}

	if len(snaps) > 0 {
		ids := make([]int64, 0, len(snaps))
		for _, snap := range snaps {
			ids = append(ids, snap.OrderID.Wire())
		}
		slog.Info("🔄 Queued startup resync", slog.Int("orders", len(ids)), slog.Any("order_ids", ids))
	}
}
