package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"order_sync/internal/app"
	"order_sync/internal/engine"
	"order_sync/internal/infra/binance"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := bootstrap.Config
	nextSeq := uint64(0)

	// 4. REST Client (authoritative snapshot source)
	client := binance.NewClient(cfg)

	// 5. Reconciler (The Hotpath Loop)
	rec := engine.NewReconciler(bootstrap.EngineConfig(), client, bootstrap.Storage)
	go rec.Run(ctx)
	slog.InfoContext(ctx, "✅ Reconciler started")

	// 6. Startup resync for every order believed open
	bootstrap.SeedOpenOrders(ctx, client, rec.Inbox(), &nextSeq)

	// 7. User Data Stream (Gateway)
	streamWorker := binance.NewStreamWorker(cfg.API.Binance.WSURL, client, rec.Inbox(), &nextSeq)
	if err := streamWorker.Connect(ctx); err != nil {
		slog.Error("Failed to connect user data stream", slog.Any("error", err))
	}
	defer streamWorker.Disconnect()
	slog.InfoContext(ctx, "✅ StreamWorker started", slog.Int("symbols", len(cfg.API.Binance.Symbols)))

	slog.InfoContext(ctx, "✨ Order Sync fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}
