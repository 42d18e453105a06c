package ripple

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/mux"
)

func waitReady(t *testing.T, s *Subscription) mux.Status {
	t.Helper()
	st, err := s.Ready().Get()
	require.NoError(t, err)
	return st
}

func TestSubscription_ReadyResolvesConnected(t *testing.T) {
	client, _ := newTestClient(t)

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, mux.StatusConnected, waitReady(t, sub))
	assert.True(t, sub.IsConnected())
	assert.Equal(t, mux.StatusConnected, sub.Status())
}

func TestSubscription_OpRouting(t *testing.T) {
	client, mock := newTestClient(t)

	var inserts, updates, deletes eventLog
	sub, err := client.Subscribe(SubscriptionConfig{
		Table:    "reports",
		OnInsert: inserts.onChange,
		OnUpdate: updates.onChange,
		OnDelete: deletes.onChange,
	})
	require.NoError(t, err)
	defer sub.Close()

	row := event.Row{"id": int64(1)}
	mock.Emit(event.Change{Table: "reports", Op: event.OpInsert, NewRow: row})
	mock.Emit(event.Change{Table: "reports", Op: event.OpUpdate, OldRow: row, NewRow: row})
	mock.Emit(event.Change{Table: "reports", Op: event.OpDelete, OldRow: row})

	assert.Equal(t, 1, inserts.count())
	assert.Equal(t, 1, updates.count())
	assert.Equal(t, 1, deletes.count())
	assert.Equal(t, event.OpInsert, inserts.last().Op)
	assert.Equal(t, event.OpDelete, deletes.last().Op)
}

func TestSubscription_OpRestriction(t *testing.T) {
	client, mock := newTestClient(t)

	var deletes eventLog
	sub, err := client.Subscribe(SubscriptionConfig{
		Table:    "reports",
		Event:    event.OpDelete,
		OnDelete: deletes.onChange,
	})
	require.NoError(t, err)
	defer sub.Close()

	mock.Emit(event.Change{Table: "reports", Op: event.OpInsert, NewRow: event.Row{"id": int64(1)}})
	assert.Equal(t, 0, deletes.count())

	mock.Emit(event.Change{Table: "reports", Op: event.OpDelete, OldRow: event.Row{"id": int64(1)}})
	assert.Equal(t, 1, deletes.count())
}

func TestSubscription_DisconnectDetaches(t *testing.T) {
	client, mock := newTestClient(t)

	var seen eventLog
	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnInsert: seen.onChange})
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, mux.StatusConnected, waitReady(t, sub))

	sub.Disconnect()
	assert.Equal(t, mux.StatusDisconnected, sub.Status())
	assert.True(t, mock.Channel(0).Closed())

	// Events while detached are dropped, not buffered.
	mock.Emit(insertEvent("reports", event.Row{"id": int64(1)}))
	assert.Equal(t, 0, seen.count())

	// Second disconnect is a no-op.
	sub.Disconnect()
	assert.Equal(t, 1, mock.Channel(0).CloseCount())
}

func TestSubscription_DisconnectKeepsSharedChannel(t *testing.T) {
	client, mock := newTestClient(t)

	a, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer a.Close()

	b, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, mux.StatusConnected, waitReady(t, a))

	a.Disconnect()

	// The handle reports itself detached even though the key stays live
	// for the other consumer.
	assert.Equal(t, mux.StatusDisconnected, a.Status())
	assert.Equal(t, mux.StatusConnected, b.Status())
	assert.False(t, mock.Channel(0).Closed())
}

func TestSubscription_ReconnectFreshChannel(t *testing.T) {
	client, mock := newTestClient(t)

	var seen eventLog
	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnInsert: seen.onChange})
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, mux.StatusConnected, waitReady(t, sub))
	first := sub.Ready()

	require.NoError(t, sub.Reconnect())

	// Sole consumer: the old channel closed and a new one opened.
	assert.True(t, mock.Channel(0).Closed())
	require.Equal(t, 2, mock.OpenCount())

	assert.NotSame(t, first, sub.Ready())
	assert.Equal(t, mux.StatusConnected, waitReady(t, sub))

	mock.Channel(1).Emit(insertEvent("reports", event.Row{"id": int64(9)}))
	assert.Equal(t, 1, seen.count())
}

func TestSubscription_ReconnectSharedKeyReusesChannel(t *testing.T) {
	client, mock := newTestClient(t)

	a, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer a.Close()

	b, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Reconnect())

	// The other consumer kept the channel alive across the reconnect.
	assert.Equal(t, 1, mock.OpenCount())
	assert.False(t, mock.Channel(0).Closed())

	_, consumers := client.ChannelStats()
	assert.Equal(t, 2, consumers)
}

func TestSubscription_StartDisabled(t *testing.T) {
	client, mock := newTestClient(t)

	var seen eventLog
	sub, err := client.Subscribe(SubscriptionConfig{
		Table:    "reports",
		OnInsert: seen.onChange,
		Disabled: true,
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 0, mock.OpenCount())
	assert.Equal(t, mux.StatusDisconnected, sub.Status())
	assert.Equal(t, mux.StatusDisconnected, waitReady(t, sub))

	require.NoError(t, sub.SetEnabled(true))
	assert.Equal(t, 1, mock.OpenCount())
	assert.Equal(t, mux.StatusConnected, waitReady(t, sub))

	mock.Emit(insertEvent("reports", event.Row{"id": int64(1)}))
	assert.Equal(t, 1, seen.count())
}

func TestSubscription_SetEnabledIdempotent(t *testing.T) {
	client, mock := newTestClient(t)

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.SetEnabled(true))
	require.NoError(t, sub.SetEnabled(true))
	assert.Equal(t, 1, mock.OpenCount())

	require.NoError(t, sub.SetEnabled(false))
	require.NoError(t, sub.SetEnabled(false))
	assert.Equal(t, 1, mock.Channel(0).CloseCount())

	require.NoError(t, sub.SetEnabled(true))
	assert.Equal(t, 2, mock.OpenCount())
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	client, mock := newTestClient(t)

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	assert.Equal(t, 1, mock.Channel(0).CloseCount())
	assert.ErrorIs(t, sub.Reconnect(), ErrSubscriptionClosed)
	assert.ErrorIs(t, sub.SetEnabled(true), ErrSubscriptionClosed)

	open, consumers := client.ChannelStats()
	assert.Equal(t, 0, open)
	assert.Equal(t, 0, consumers)
}

func TestSubscription_ChannelErrorReachesAllConsumers(t *testing.T) {
	client, mock := newTestClient(t)

	var aLog, bLog eventLog
	a, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnError: aLog.onError})
	require.NoError(t, err)
	defer a.Close()

	b, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnError: bLog.onError})
	require.NoError(t, err)
	defer b.Close()

	// Settle first so the error is not overtaken by the async subscribed
	// announcement.
	require.Equal(t, mux.StatusConnected, waitReady(t, a))
	require.Equal(t, mux.StatusConnected, waitReady(t, b))

	mock.Channel(0).EmitState(mux.StateChannelError, errors.New("socket reset"))

	assert.Equal(t, mux.StatusError, a.Status())
	assert.Equal(t, mux.StatusError, b.Status())
	assert.Equal(t, 1, aLog.errCount())
	assert.Equal(t, 1, bLog.errCount())
}

func TestSubscription_OpenFailureKeepsRegistration(t *testing.T) {
	client, mock := newTestClient(t)
	mock.OpenErr = errors.New("broker unreachable")

	var errs eventLog
	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnError: errs.onError})
	require.NoError(t, err, "open failure is reported through status, not Subscribe")
	defer sub.Close()

	st, readyErr := sub.Ready().Get()
	require.Error(t, readyErr)
	assert.Equal(t, mux.StatusError, st)
	assert.Equal(t, mux.StatusError, sub.Status())
	assert.Equal(t, 1, errs.errCount())

	// The key is still registered; a reconnect retries once the
	// transport recovers.
	mock.OpenErr = nil
	require.NoError(t, sub.Reconnect())
	assert.Equal(t, mux.StatusConnected, waitReady(t, sub))
}

func TestSubscription_CallbackPanicIsolated(t *testing.T) {
	client, mock := newTestClient(t)

	var panicErrs eventLog
	bad, err := client.Subscribe(SubscriptionConfig{
		Table:    "reports",
		OnInsert: func(event.Change) { panic("boom") },
		OnError:  panicErrs.onError,
	})
	require.NoError(t, err)
	defer bad.Close()

	var good eventLog
	ok, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnInsert: good.onChange})
	require.NoError(t, err)
	defer ok.Close()

	mock.Emit(insertEvent("reports", event.Row{"id": int64(1)}))

	assert.Equal(t, 1, good.count(), "sibling consumer unaffected by the panic")
	require.Equal(t, 1, panicErrs.errCount())
	assert.Contains(t, panicErrs.errs[0].Error(), "panic")
}

func TestSubscription_TimedOutProjectsError(t *testing.T) {
	client, mock := newTestClient(t)
	mock.ManualStates = true

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, mux.StatusConnecting, sub.Status())

	mock.Channel(0).EmitState(mux.StateTimedOut, errors.New("join timed out after 10s"))

	st, readyErr := sub.Ready().Get()
	require.Error(t, readyErr)
	assert.Equal(t, mux.StatusError, st)

	// No automatic retry: the status stays error until the consumer
	// reconnects.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, mux.StatusError, sub.Status())
	assert.Equal(t, 1, mock.OpenCount())
}

func TestSubscription_ServerCloseThenResubscribe(t *testing.T) {
	client, mock := newTestClient(t)

	a, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, mux.StatusConnected, waitReady(t, a))

	// Server-side close: the key projects disconnected without error
	// callbacks.
	mock.Channel(0).EmitState(mux.StateClosed, nil)
	assert.Equal(t, mux.StatusDisconnected, a.Status())

	// A new acquire for the key revives it on a fresh channel.
	b, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 2, mock.OpenCount())
	assert.Equal(t, mux.StatusConnected, waitReady(t, b))
	assert.Equal(t, mux.StatusConnected, a.Status())
}

func TestSubscription_StatusOnlyConsumer(t *testing.T) {
	client, mock := newTestClient(t)

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer sub.Close()

	// No change callbacks registered; emitting must not panic and the
	// handle still tracks status.
	mock.Emit(insertEvent("reports", event.Row{"id": int64(1)}))
	assert.Equal(t, mux.StatusConnected, waitReady(t, sub))
}
