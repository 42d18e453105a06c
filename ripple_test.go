package ripple

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/mux"
	"github.com/civicstream/ripple/mux/transport"
)

func testConfig() *cfg.Configuration {
	config := cfg.Default()
	config.ClientID = 7
	config.Transport.Type = cfg.TransportMock
	return config
}

func newTestClient(t *testing.T) (*Client, *transport.MockTransport) {
	t.Helper()
	mock := transport.NewMockTransport()
	client, err := NewWithTransport(testConfig(), mock)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mock
}

// eventLog collects delivered changes; the mock delivers synchronously so
// no waiting is needed before asserting.
type eventLog struct {
	mu     sync.Mutex
	events []event.Change
	errs   []error
}

func (l *eventLog) onChange(ev event.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) onError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) errCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

func (l *eventLog) last() event.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func insertEvent(table string, row event.Row) event.Change {
	return event.Change{Table: table, Op: event.OpInsert, NewRow: row, CommitTS: 1724400000000, Seq: 1}
}

func TestNew_MockFactory(t *testing.T) {
	client, err := New(testConfig())
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, uint64(7), client.ID())
}

func TestNew_UnknownTransport(t *testing.T) {
	config := testConfig()
	config.Transport.Type = "telegraph"

	_, err := New(config)
	require.Error(t, err)
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = NewWithTransport(nil, transport.NewMockTransport())
	require.Error(t, err)

	_, err = NewWithTransport(testConfig(), nil)
	require.Error(t, err)
}

func TestSubscribe_Validation(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Subscribe(SubscriptionConfig{})
	require.Error(t, err, "table is required")

	_, err = client.Subscribe(SubscriptionConfig{Table: "reports", Filter: "=broken"})
	require.Error(t, err)
}

func TestSubscribe_DeduplicatesEquivalentRequests(t *testing.T) {
	client, mock := newTestClient(t)

	a, err := client.Subscribe(SubscriptionConfig{Table: "reports", Filter: "status=eq.open"})
	require.NoError(t, err)
	defer a.Close()

	// Same subscription spelled differently: case and whitespace fold
	// into the same canonical key.
	b, err := client.Subscribe(SubscriptionConfig{Table: " Reports ", Filter: "status = eq.open"})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, 1, mock.OpenCount())

	open, consumers := client.ChannelStats()
	assert.Equal(t, 1, open)
	assert.Equal(t, 2, consumers)
}

func TestSubscribe_DistinctKeysOpenDistinctChannels(t *testing.T) {
	client, mock := newTestClient(t)

	all, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer all.Close()

	inserts, err := client.Subscribe(SubscriptionConfig{Table: "reports", Event: event.OpInsert})
	require.NoError(t, err)
	defer inserts.Close()

	assert.NotEqual(t, all.Key(), inserts.Key())
	assert.Equal(t, 2, mock.OpenCount())
}

func TestSharedChannelLifecycle(t *testing.T) {
	client, mock := newTestClient(t)

	var aLog, bLog eventLog
	a, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnInsert: aLog.onChange})
	require.NoError(t, err)

	b, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnInsert: bLog.onChange})
	require.NoError(t, err)

	require.Equal(t, 1, mock.OpenCount())

	// Both consumers of the shared channel see the event.
	delivered := mock.Emit(insertEvent("reports", event.Row{"id": int64(1)}))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, aLog.count())
	assert.Equal(t, 1, bLog.count())

	// First leave keeps the channel; the last leave closes it once.
	a.Close()
	assert.False(t, mock.Channel(0).Closed())

	mock.Emit(insertEvent("reports", event.Row{"id": int64(2)}))
	assert.Equal(t, 1, aLog.count())
	assert.Equal(t, 2, bLog.count())

	b.Close()
	assert.True(t, mock.Channel(0).Closed())
	assert.Equal(t, 1, mock.Channel(0).CloseCount())

	// A new subscription for the key opens a fresh channel.
	c, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 2, mock.OpenCount())
}

func TestFanoutInvokesEveryCallbackOnce(t *testing.T) {
	client, mock := newTestClient(t)

	logs := make([]*eventLog, 3)
	for i := range logs {
		logs[i] = &eventLog{}
		sub, err := client.Subscribe(SubscriptionConfig{Table: "comments", OnInsert: logs[i].onChange})
		require.NoError(t, err)
		defer sub.Close()
	}

	mock.Emit(insertEvent("comments", event.Row{"body": "first!"}))

	for i, l := range logs {
		assert.Equal(t, 1, l.count(), "consumer %d", i)
	}
}

func TestFilteredDelivery(t *testing.T) {
	client, mock := newTestClient(t)

	var urgent eventLog
	sub, err := client.Subscribe(SubscriptionConfig{
		Table:    "reports",
		Filter:   "severity=gte.3",
		OnInsert: urgent.onChange,
	})
	require.NoError(t, err)
	defer sub.Close()

	mock.Emit(insertEvent("reports", event.Row{"id": int64(1), "severity": int64(1)}))
	mock.Emit(insertEvent("reports", event.Row{"id": int64(2), "severity": int64(4)}))

	require.Equal(t, 1, urgent.count())
	assert.Equal(t, event.Row{"id": int64(2), "severity": int64(4)}, urgent.last().NewRow)
}

func TestStats(t *testing.T) {
	client, _ := newTestClient(t)

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports", Filter: "status=eq.open"})
	require.NoError(t, err)
	defer sub.Close()

	st, err := sub.Ready().Get()
	require.NoError(t, err)
	require.Equal(t, mux.StatusConnected, st)

	stats := client.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "reports|*|status=eq.open", stats[0].Key)
	assert.Equal(t, "connected", stats[0].Status)
	assert.Equal(t, 1, stats[0].Consumers)
	assert.NotEmpty(t, stats[0].Topic)
}

func TestClose_Terminal(t *testing.T) {
	mock := transport.NewMockTransport()
	client, err := NewWithTransport(testConfig(), mock)
	require.NoError(t, err)

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)

	require.NoError(t, client.Close())

	// Closed client: terminal for new work, closed handles, closed channels.
	_, err = client.Subscribe(SubscriptionConfig{Table: "comments"})
	assert.ErrorIs(t, err, ErrClientClosed)

	assert.ErrorIs(t, sub.Reconnect(), ErrSubscriptionClosed)
	assert.True(t, mock.Channel(0).Closed())

	assert.NoError(t, client.Close())
}

func TestClose_ReleasesAllChannels(t *testing.T) {
	mock := transport.NewMockTransport()
	client, err := NewWithTransport(testConfig(), mock)
	require.NoError(t, err)

	for _, table := range []string{"reports", "comments", "votes"} {
		_, err := client.Subscribe(SubscriptionConfig{Table: table})
		require.NoError(t, err)
	}
	require.Equal(t, 3, mock.OpenCount())

	require.NoError(t, client.Close())

	for i := 0; i < 3; i++ {
		assert.True(t, mock.Channel(i).Closed())
		assert.Equal(t, 1, mock.Channel(i).CloseCount())
	}
}

func TestJournalRecordsDispatches(t *testing.T) {
	config := testConfig()
	config.DataDir = t.TempDir()
	config.Journal.Enabled = true
	config.Journal.MaxEntries = 100

	mock := transport.NewMockTransport()
	client, err := NewWithTransport(config, mock)
	require.NoError(t, err)
	defer client.Close()

	var seen eventLog
	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports", OnInsert: seen.onChange})
	require.NoError(t, err)
	defer sub.Close()

	mock.Emit(insertEvent("reports", event.Row{"id": int64(1)}))
	mock.Emit(insertEvent("reports", event.Row{"id": int64(2)}))

	require.Equal(t, 2, seen.count())
	assert.Equal(t, 2, client.JournalEntryCount())
}

func TestJournalDisabledCountsZero(t *testing.T) {
	client, mock := newTestClient(t)

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer sub.Close()

	mock.Emit(insertEvent("reports", event.Row{"id": int64(1)}))
	assert.Equal(t, 0, client.JournalEntryCount())
}

func TestAdminAPI(t *testing.T) {
	config := testConfig()
	config.Admin.Enabled = true
	config.Admin.BindAddress = "127.0.0.1"
	config.Admin.Port = 0

	mock := transport.NewMockTransport()
	client, err := NewWithTransport(config, mock)
	require.NoError(t, err)
	defer client.Close()

	sub, err := client.Subscribe(SubscriptionConfig{Table: "reports"})
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Ready().Get()
	require.NoError(t, err)

	addr := client.AdminAddr()
	require.NotNil(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		ClientID     uint64 `json:"client_id"`
		OpenChannels int    `json:"open_channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, uint64(7), status.ClientID)
	assert.Equal(t, 1, status.OpenChannels)
}

func TestAdminDisabledNoAddr(t *testing.T) {
	client, _ := newTestClient(t)
	assert.Nil(t, client.AdminAddr())
}
