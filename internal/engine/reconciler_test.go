package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order_sync/internal/domain"
	"order_sync/internal/event"
	"order_sync/pkg/ident"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// mockSource is a scriptable SnapshotSource.
type mockSource struct {
	mu      sync.Mutex
	queryFn func(symbol string, orderID ident.ID) (domain.OrderSnapshot, error)
	calls   int
}

func (m *mockSource) QueryOrder(ctx context.Context, symbol string, orderID ident.ID) (domain.OrderSnapshot, error) {
	m.mu.Lock()
	m.calls++
	fn := m.queryFn
	m.mu.Unlock()
	if fn == nil {
		return domain.OrderSnapshot{}, domain.ErrOrderNotFound
	}
	return fn(symbol, orderID)
}

func (m *mockSource) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderSnapshot, error) {
	return nil, nil
}

func (m *mockSource) queryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockStore records audit writes in memory.
type mockStore struct {
	mu          sync.Mutex
	transitions []domain.Transition
	archived    []domain.OrderSnapshot
}

func (m *mockStore) AppendTransition(ctx context.Context, tr domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, tr)
	return nil
}

func (m *mockStore) UpsertOrder(ctx context.Context, snap domain.OrderSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, snap)
	return nil
}

func (m *mockStore) OpenOrders(ctx context.Context) ([]domain.OrderSnapshot, error) {
	return nil, nil
}

func (m *mockStore) archivedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.archived)
}

func startReconciler(t *testing.T, cfg Config, source domain.SnapshotSource, store domain.AuditStore) *Reconciler {
	t.Helper()
	r := NewReconciler(cfg, source, store)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func newUpdate(orderID int64, action event.Action, status event.Status) *event.OrderUpdateEvent {
	return &event.OrderUpdateEvent{
		Symbol:        "ETHBTC",
		ClientOrderID: "c-1",
		Side:          event.SideBuy,
		OrderType:     event.OrderTypeLimit,
		TimeInForce:   event.TIFGoodTillCancel,
		Qty:           d("1000"),
		Price:         d("0.1"),
		OrderID:       ident.New(orderID),
		OrderListID:   ident.None(),
		TradeID:       ident.None(),
		Action:        action,
		Status:        status,
	}
}

func newTrade(orderID, tradeID int64, lastQty, cumQty, cumVol string, status event.Status) *event.OrderUpdateEvent {
	ev := newUpdate(orderID, event.ActionTrade, status)
	ev.TradeID = ident.New(tradeID)
	ev.LastQty = d(lastQty)
	ev.CumQty = d(cumQty)
	ev.CumVol = d(cumVol)
	return ev
}

func recvTransition(t *testing.T, sub *Subscription) domain.Transition {
	t.Helper()
	select {
	case tr, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition")
		return domain.Transition{}
	}
}

func expectNoTransition(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case tr := <-sub.C:
		t.Fatalf("unexpected transition: %+v", tr)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconciler_FullLifecycle(t *testing.T) {
	store := &mockStore{}
	r := startReconciler(t, DefaultConfig(), &mockSource{}, store)
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(1, event.ActionNew, event.StatusNew)

	tr := recvTransition(t, sub)
	assert.Equal(t, domain.TransitionOpened, tr.Kind)
	assert.Equal(t, uint64(1), tr.Seq)

	r.Inbox() <- newTrade(1, 100, "400", "400", "40", event.StatusPartiallyFilled)
	tr = recvTransition(t, sub)
	assert.Equal(t, domain.TransitionPartiallyFilled, tr.Kind)
	assert.True(t, tr.DeltaQty.Equal(d("400")))

	r.Inbox() <- newTrade(1, 101, "600", "1000", "100", event.StatusFilled)
	tr = recvTransition(t, sub)
	assert.Equal(t, domain.TransitionFilled, tr.Kind)
	assert.True(t, tr.DeltaQty.Equal(d("600")))
	assert.Equal(t, uint64(3), tr.Seq)

	store.mu.Lock()
	assert.Len(t, store.transitions, 3)
	store.mu.Unlock()

	snap, ok := r.GetOrderState(ident.New(1))
	require.True(t, ok)
	assert.Equal(t, event.StatusFilled, snap.Status)
}

func TestReconciler_DuplicateTradeDropped(t *testing.T) {
	r := startReconciler(t, DefaultConfig(), &mockSource{}, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(2, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)

	r.Inbox() <- newTrade(2, 200, "400", "400", "40", event.StatusPartiallyFilled)
	recvTransition(t, sub)

	// Same trade redelivered: must be absorbed without a transition.
	r.Inbox() <- newTrade(2, 200, "400", "400", "40", event.StatusPartiallyFilled)
	expectNoTransition(t, sub)

	snap, ok := r.GetOrderState(ident.New(2))
	require.True(t, ok)
	assert.True(t, snap.CumQty.Equal(d("400")))
}

func TestReconciler_UnknownOrderDropped(t *testing.T) {
	r := startReconciler(t, DefaultConfig(), &mockSource{}, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	// Trade for an order never placed: no worker, no transition, no resync.
	r.Inbox() <- newTrade(3, 300, "400", "400", "40", event.StatusPartiallyFilled)
	expectNoTransition(t, sub)

	_, ok := r.GetOrderState(ident.New(3))
	assert.False(t, ok)
}

func TestReconciler_MalformedEventDropped(t *testing.T) {
	r := startReconciler(t, DefaultConfig(), &mockSource{}, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	ev := newUpdate(4, event.ActionNew, event.StatusNew)
	ev.OrderID = ident.None()
	r.Inbox() <- ev
	expectNoTransition(t, sub)
}

func TestReconciler_DesyncTriggersResync(t *testing.T) {
	source := &mockSource{
		queryFn: func(symbol string, orderID ident.ID) (domain.OrderSnapshot, error) {
			return domain.OrderSnapshot{
				OrderID:     orderID,
				Symbol:      symbol,
				Side:        event.SideBuy,
				OrderType:   event.OrderTypeLimit,
				TimeInForce: event.TIFGoodTillCancel,
				Status:      event.StatusPartiallyFilled,
				Price:       d("0.1"),
				Qty:         d("1000"),
				CumQty:      d("700"),
				CumVol:      d("70"),
				InOrderBook: true,
			}, nil
		},
	}
	r := startReconciler(t, DefaultConfig(), source, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(5, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)

	r.Inbox() <- newTrade(5, 500, "500", "500", "50", event.StatusPartiallyFilled)
	recvTransition(t, sub)

	// Cumulative regression with a fresh trade id: local state can no longer
	// be trusted, the authoritative record replaces it.
	r.Inbox() <- newTrade(5, 501, "100", "300", "30", event.StatusPartiallyFilled)

	tr := recvTransition(t, sub)
	assert.Equal(t, domain.TransitionResynced, tr.Kind)
	assert.True(t, tr.DeltaQty.Equal(d("200")), "expected net delta 200, got %s", tr.DeltaQty)

	snap, ok := r.GetOrderState(ident.New(5))
	require.True(t, ok)
	assert.True(t, snap.CumQty.Equal(d("700")))
	assert.Equal(t, 1, source.queryCalls())
}

func TestReconciler_ResyncNotFoundImplicitlyCancels(t *testing.T) {
	source := &mockSource{} // nil queryFn: always ErrOrderNotFound
	r := startReconciler(t, DefaultConfig(), source, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(6, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)

	r.Inbox() <- newTrade(6, 600, "500", "500", "50", event.StatusPartiallyFilled)
	recvTransition(t, sub)

	// Force a desync; the exchange no longer knows the order.
	r.Inbox() <- newTrade(6, 601, "100", "300", "30", event.StatusPartiallyFilled)

	tr := recvTransition(t, sub)
	assert.Equal(t, domain.TransitionResynced, tr.Kind)
	assert.Equal(t, event.StatusCanceled, tr.Status)
	assert.True(t, tr.HadFills)
}

func TestReconciler_ResyncRequestSeedsOrder(t *testing.T) {
	source := &mockSource{
		queryFn: func(symbol string, orderID ident.ID) (domain.OrderSnapshot, error) {
			return domain.OrderSnapshot{
				OrderID:     orderID,
				Symbol:      symbol,
				Side:        event.SideSell,
				OrderType:   event.OrderTypeLimit,
				TimeInForce: event.TIFGoodTillCancel,
				Status:      event.StatusNew,
				Price:       d("0.2"),
				Qty:         d("50"),
				InOrderBook: true,
			}, nil
		},
	}
	r := startReconciler(t, DefaultConfig(), source, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- &event.ResyncRequestEvent{OrderID: ident.New(7), Symbol: "ETHBTC"}

	tr := recvTransition(t, sub)
	assert.Equal(t, domain.TransitionResynced, tr.Kind)

	snap, ok := r.GetOrderState(ident.New(7))
	require.True(t, ok)
	assert.Equal(t, event.StatusNew, snap.Status)
	assert.True(t, snap.Qty.Equal(d("50")))
}

func TestReconciler_StreamReconnectResyncsAll(t *testing.T) {
	source := &mockSource{
		queryFn: func(symbol string, orderID ident.ID) (domain.OrderSnapshot, error) {
			return domain.OrderSnapshot{
				OrderID:     orderID,
				Symbol:      symbol,
				Side:        event.SideBuy,
				OrderType:   event.OrderTypeLimit,
				TimeInForce: event.TIFGoodTillCancel,
				Status:      event.StatusNew,
				Price:       d("0.1"),
				Qty:         d("1000"),
				InOrderBook: true,
			}, nil
		},
	}
	r := startReconciler(t, DefaultConfig(), source, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(8, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)
	r.Inbox() <- newUpdate(9, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)

	r.Inbox() <- &event.StreamReconnectedEvent{}

	first := recvTransition(t, sub)
	second := recvTransition(t, sub)
	assert.Equal(t, domain.TransitionResynced, first.Kind)
	assert.Equal(t, domain.TransitionResynced, second.Kind)
	assert.Equal(t, 2, source.queryCalls())
}

func TestReconciler_TerminalOrderRetires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetireGrace = 50 * time.Millisecond

	store := &mockStore{}
	r := startReconciler(t, cfg, &mockSource{}, store)
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(10, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)
	r.Inbox() <- newTrade(10, 1000, "1000", "1000", "100", event.StatusFilled)
	recvTransition(t, sub)

	require.Eventually(t, func() bool {
		_, ok := r.GetOrderState(ident.New(10))
		return !ok && store.archivedCount() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReconciler_PerOrderSubscription(t *testing.T) {
	r := startReconciler(t, DefaultConfig(), &mockSource{}, &mockStore{})
	all := r.SubscribeAll()
	defer all.Close()
	only := r.Subscribe(ident.New(11))
	defer only.Close()

	r.Inbox() <- newUpdate(11, event.ActionNew, event.StatusNew)
	recvTransition(t, all)
	r.Inbox() <- newUpdate(12, event.ActionNew, event.StatusNew)
	recvTransition(t, all)

	tr := recvTransition(t, only)
	assert.Equal(t, ident.New(11), tr.OrderID)
	expectNoTransition(t, only)
}

func TestReconciler_OpenOrdersView(t *testing.T) {
	r := startReconciler(t, DefaultConfig(), &mockSource{}, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(13, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)
	r.Inbox() <- newUpdate(14, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)
	r.Inbox() <- newTrade(14, 1400, "1000", "1000", "100", event.StatusFilled)
	recvTransition(t, sub)

	open := r.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, ident.New(13), open[0].OrderID)
}

func TestReconciler_SlowResyncDoesNotStallOthers(t *testing.T) {
	release := make(chan struct{})
	source := &mockSource{}
	source.queryFn = func(symbol string, orderID ident.ID) (domain.OrderSnapshot, error) {
		<-release
		return domain.OrderSnapshot{
			OrderID:     orderID,
			Symbol:      symbol,
			Side:        event.SideBuy,
			OrderType:   event.OrderTypeLimit,
			TimeInForce: event.TIFGoodTillCancel,
			Status:      event.StatusPartiallyFilled,
			Price:       d("0.1"),
			Qty:         d("1000"),
			CumQty:      d("700"),
			CumVol:      d("70"),
			InOrderBook: true,
		}, nil
	}

	cfg := DefaultConfig()
	cfg.OrderQueueSize = 1
	r := startReconciler(t, cfg, source, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(30, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)
	r.Inbox() <- newTrade(30, 3000, "500", "500", "50", event.StatusPartiallyFilled)
	recvTransition(t, sub)

	// Cumulative regression parks order 30's worker inside the blocked
	// resync round trip.
	r.Inbox() <- newTrade(30, 3001, "100", "300", "30", event.StatusPartiallyFilled)

	// More events for the parked order than its queue can hold.
	r.Inbox() <- newTrade(30, 3002, "100", "800", "80", event.StatusPartiallyFilled)
	r.Inbox() <- newTrade(30, 3003, "200", "1000", "100", event.StatusFilled)

	// An unrelated order must still be processed while order 30 is stuck.
	r.Inbox() <- newUpdate(31, event.ActionNew, event.StatusNew)
	tr := recvTransition(t, sub)
	assert.Equal(t, ident.New(31), tr.OrderID)
	assert.Equal(t, domain.TransitionOpened, tr.Kind)

	// Unblock the collaborator: order 30 merges the snapshot and then
	// replays its buffered events in arrival order.
	close(release)

	tr = recvTransition(t, sub)
	assert.Equal(t, domain.TransitionResynced, tr.Kind)
	assert.True(t, tr.DeltaQty.Equal(d("200")))

	tr = recvTransition(t, sub)
	assert.Equal(t, domain.TransitionPartiallyFilled, tr.Kind)
	assert.True(t, tr.DeltaQty.Equal(d("100")))

	tr = recvTransition(t, sub)
	assert.Equal(t, domain.TransitionFilled, tr.Kind)
	assert.True(t, tr.DeltaQty.Equal(d("200")))
}

func TestReconciler_LateEventAfterRetire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetireGrace = 30 * time.Millisecond

	store := &mockStore{}
	r := startReconciler(t, cfg, &mockSource{}, store)
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(40, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)
	r.Inbox() <- newTrade(40, 4000, "1000", "1000", "100", event.StatusFilled)
	recvTransition(t, sub)

	require.Eventually(t, func() bool {
		_, ok := r.GetOrderState(ident.New(40))
		return !ok && store.archivedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A duplicate arriving after retirement has no worker to land on and is
	// dropped as unknown; nothing wedges and nothing is published.
	r.Inbox() <- newTrade(40, 4000, "1000", "1000", "100", event.StatusFilled)
	expectNoTransition(t, sub)

	// The order id can be tracked again from a fresh placement.
	r.Inbox() <- newUpdate(41, event.ActionNew, event.StatusNew)
	tr := recvTransition(t, sub)
	assert.Equal(t, ident.New(41), tr.OrderID)
}
