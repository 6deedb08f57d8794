package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order_sync/internal/domain"
	"order_sync/internal/event"
	"order_sync/pkg/ident"
)

func TestResync_TransientFailureRetries(t *testing.T) {
	attempts := 0
	source := &mockSource{}
	source.queryFn = func(symbol string, orderID ident.ID) (domain.OrderSnapshot, error) {
		attempts++
		if attempts == 1 {
			return domain.OrderSnapshot{}, domain.NewNetworkError("query", assert.AnError)
		}
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
	}

	cfg := DefaultConfig()
	cfg.ResyncMaxAttempts = 3
	r := startReconciler(t, cfg, source, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- &event.ResyncRequestEvent{OrderID: ident.New(20), Symbol: "ETHBTC"}

	// First attempt fails, backoff, second succeeds.
	select {
	case tr := <-sub.C:
		assert.Equal(t, domain.TransitionResynced, tr.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for resync to recover")
	}
	assert.Equal(t, 2, attempts)
}

func TestResync_ExhaustionIsFatal(t *testing.T) {
	source := &mockSource{}
	source.queryFn = func(symbol string, orderID ident.ID) (domain.OrderSnapshot, error) {
		return domain.OrderSnapshot{}, domain.NewNetworkError("query", assert.AnError)
	}

	cfg := DefaultConfig()
	cfg.ResyncMaxAttempts = 1 // fail fast, no backoff window
	r := startReconciler(t, cfg, source, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(21, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)
	r.Inbox() <- newTrade(21, 2100, "500", "500", "50", event.StatusPartiallyFilled)
	recvTransition(t, sub)

	// Desync with the collaborator permanently down.
	r.Inbox() <- newTrade(21, 2101, "100", "300", "30", event.StatusPartiallyFilled)
	expectNoTransition(t, sub)

	// The order is now quarantined: further events are dropped while every
	// other order keeps processing.
	r.Inbox() <- newTrade(21, 2102, "100", "600", "60", event.StatusPartiallyFilled)
	expectNoTransition(t, sub)

	r.Inbox() <- newUpdate(22, event.ActionNew, event.StatusNew)
	tr := recvTransition(t, sub)
	assert.Equal(t, ident.New(22), tr.OrderID)

	// Last-known-good state remains readable.
	snap, ok := r.GetOrderState(ident.New(21))
	require.True(t, ok)
	assert.True(t, snap.CumQty.Equal(d("500")))
}

func TestResync_NoSourceIsImmediatelyFatal(t *testing.T) {
	r := startReconciler(t, DefaultConfig(), nil, &mockStore{})
	sub := r.SubscribeAll()
	defer sub.Close()

	r.Inbox() <- newUpdate(23, event.ActionNew, event.StatusNew)
	recvTransition(t, sub)

	r.Inbox() <- newTrade(23, 2300, "500", "500", "50", event.StatusPartiallyFilled)
	recvTransition(t, sub)

	// Desync with no collaborator configured.
	r.Inbox() <- newTrade(23, 2301, "100", "300", "30", event.StatusPartiallyFilled)
	expectNoTransition(t, sub)

	r.Inbox() <- newTrade(23, 2302, "100", "600", "60", event.StatusPartiallyFilled)
	expectNoTransition(t, sub)
}
