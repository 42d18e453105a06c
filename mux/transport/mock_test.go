package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/mux"
)

// stateRecorder collects OnState callbacks with a signal channel so tests
// can wait for the asynchronous subscribed announcement.
type stateRecorder struct {
	mu     sync.Mutex
	states []mux.State
	ch     chan mux.State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan mux.State, 16)}
}

func (r *stateRecorder) onState(s mux.State, err error) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *stateRecorder) wait(t *testing.T, want mux.State) {
	t.Helper()
	select {
	case got := <-r.ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for state %s", want)
	}
}

func TestMockTransport_OpenRecordsChannel(t *testing.T) {
	mt := NewMockTransport()
	rec := newStateRecorder()

	spec := mux.Spec{Table: "reports", Op: event.OpInsert, Filter: "status=eq.open"}
	ch, err := mt.Open(spec, mux.Handlers{OnState: rec.onState})
	require.NoError(t, err)
	require.NotNil(t, ch)

	require.Equal(t, 1, mt.OpenCount())
	assert.Equal(t, spec, mt.Channel(0).Spec)

	// Readiness arrives asynchronously, never from inside Open.
	rec.wait(t, mux.StateSubscribed)
}

func TestMockTransport_ManualStates(t *testing.T) {
	mt := NewMockTransport()
	mt.ManualStates = true
	rec := newStateRecorder()

	_, err := mt.Open(mux.Spec{Table: "reports"}, mux.Handlers{OnState: rec.onState})
	require.NoError(t, err)

	select {
	case s := <-rec.ch:
		t.Fatalf("unexpected state %s with ManualStates set", s)
	case <-time.After(50 * time.Millisecond):
	}

	mt.Channel(0).EmitState(mux.StateSubscribed, nil)
	rec.wait(t, mux.StateSubscribed)
}

func TestMockTransport_OpenErr(t *testing.T) {
	mt := NewMockTransport()
	mt.OpenErr = errors.New("backend down")

	_, err := mt.Open(mux.Spec{Table: "reports"}, mux.Handlers{})
	require.Error(t, err)
	assert.Equal(t, 0, mt.OpenCount())
}

func TestMockTransport_OpenAfterCloseFails(t *testing.T) {
	mt := NewMockTransport()
	require.NoError(t, mt.Close())

	_, err := mt.Open(mux.Spec{Table: "reports"}, mux.Handlers{})
	require.Error(t, err)
}

func TestMockChannel_EmitAppliesSpec(t *testing.T) {
	mt := NewMockTransport()
	mt.ManualStates = true

	var got []event.Change
	spec := mux.Spec{Table: "reports", Op: event.OpAny, Filter: "severity=gte.3"}
	_, err := mt.Open(spec, mux.Handlers{OnChange: func(ev event.Change) { got = append(got, ev) }})
	require.NoError(t, err)

	ch := mt.Channel(0)

	assert.True(t, ch.Emit(event.Change{
		Table: "reports", Op: event.OpInsert, NewRow: event.Row{"severity": int64(4)},
	}))
	assert.False(t, ch.Emit(event.Change{
		Table: "reports", Op: event.OpInsert, NewRow: event.Row{"severity": int64(1)},
	}))
	assert.False(t, ch.Emit(event.Change{
		Table: "comments", Op: event.OpInsert, NewRow: event.Row{"severity": int64(9)},
	}))

	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].NewRow["severity"])
}

func TestMockTransport_EmitFansOut(t *testing.T) {
	mt := NewMockTransport()
	mt.ManualStates = true

	counts := make([]int, 2)
	_, err := mt.Open(mux.Spec{Table: "reports", Op: event.OpAny},
		mux.Handlers{OnChange: func(event.Change) { counts[0]++ }})
	require.NoError(t, err)
	_, err = mt.Open(mux.Spec{Table: "reports", Op: event.OpDelete},
		mux.Handlers{OnChange: func(event.Change) { counts[1]++ }})
	require.NoError(t, err)

	delivered := mt.Emit(event.Change{Table: "reports", Op: event.OpInsert, NewRow: event.Row{"id": int64(1)}})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []int{1, 0}, counts)

	delivered = mt.Emit(event.Change{Table: "reports", Op: event.OpDelete, OldRow: event.Row{"id": int64(1)}})
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []int{2, 1}, counts)
}

func TestMockChannel_CloseCountsAndStopsDelivery(t *testing.T) {
	mt := NewMockTransport()
	mt.ManualStates = true

	_, err := mt.Open(mux.Spec{Table: "reports"}, mux.Handlers{OnChange: func(event.Change) {
		t.Fatal("delivery after close")
	}})
	require.NoError(t, err)

	ch := mt.Channel(0)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.True(t, ch.Closed())
	assert.Equal(t, 2, ch.CloseCount())
	assert.False(t, ch.Emit(event.Change{Table: "reports", Op: event.OpInsert}))
}

func TestMockTransport_RegisteredFactory(t *testing.T) {
	config := cfg.Default().Transport
	config.Type = "mock"

	tr, err := mux.NewTransport(config)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.NoError(t, tr.Close())
}
