package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"order_sync/internal/event"
	"order_sync/internal/infra"
)

// StreamWorker consumes the user data stream over WebSocket and feeds decoded
// order updates into the reconciler inbox. After any reconnect it pushes a
// StreamReconnectedEvent so every open order gets resynchronized.
type StreamWorker struct {
	wsURL     string
	client    *Client
	inbox     chan<- event.Event
	seq       *uint64
	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	everUp    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewStreamWorker factory
func NewStreamWorker(wsURL string, client *Client, inbox chan<- event.Event, seq *uint64) *StreamWorker {
	return &StreamWorker{
		wsURL:  wsURL,
		client: client,
		inbox:  inbox,
		seq:    seq,
		logger: slog.Default().With("module", "binance_stream"),
	}
}

func (w *StreamWorker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *StreamWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *StreamWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("User stream connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0 // Infinite retry loop for monitoring
			}
			delay := infra.CalculateBackoff(retryCount)
			time.Sleep(delay)
		} else {
			retryCount = 0
			w.readLoop(ctx)
		}
	}
}

func (w *StreamWorker) connect(ctx context.Context) error {
	listenKey, err := w.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL+"/ws/"+listenKey, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	reconnect := w.everUp
	w.everUp = true
	w.mu.Unlock()

	infra.GlobalMetrics.SetActiveConnections(1)

	go w.pingLoop(ctx)
	go w.keepAliveLoop(ctx, listenKey)

	if reconnect {
		// Updates may have been missed while down; the reconciler must
		// resynchronize every open order.
		w.emitReconnected()
	}

	w.logger.Info("User stream connected")
	return nil
}

func (w *StreamWorker) emitReconnected() {
	ev := &event.StreamReconnectedEvent{}
	ev.Seq = atomic.AddUint64(w.seq, 1)
	ev.Ts = time.Now().UnixMilli()
	w.inbox <- ev
}

func (w *StreamWorker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.PongMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *StreamWorker) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				w.logger.Warn("Listen key keepalive failed", slog.Any("error", err))
			}
		}
	}
}

func (w *StreamWorker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		if w.conn == nil {
			w.mu.RUnlock()
			return
		}
		w.conn.SetReadDeadline(time.Now().Add(readTimeout))
		w.mu.RUnlock()

		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

func (w *StreamWorker) handleMessage(msg []byte) {
	var report executionReport
	if err := json.Unmarshal(msg, &report); err != nil {
		w.logger.Warn("Undecodable stream payload", slog.Any("error", err))
		return
	}
	// The user data stream carries account updates too; only order updates
	// are of interest here.
	if report.EventType != "executionReport" {
		return
	}

	ev := event.AcquireOrderUpdateEvent()
	report.toOrderUpdateEvent(ev)
	ev.Seq = atomic.AddUint64(w.seq, 1)

	select {
	case w.inbox <- ev:
	default:
		event.ReleaseOrderUpdateEvent(ev) // Release if dropped
		w.logger.Warn("Inbox full, order update dropped",
			slog.String("symbol", ev.Symbol),
			slog.Uint64("seq", ev.Seq))
	}
}

func (w *StreamWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
	infra.GlobalMetrics.SetActiveConnections(0)
}

func (w *StreamWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
