package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/mux"
)

func init() {
	mux.RegisterTransport("mock", func(config cfg.TransportConfiguration) (mux.Transport, error) {
		return NewMockTransport(), nil
	})
}

// MockTransport is an in-memory mux.Transport for tests and demos. Each
// Open records a MockChannel whose events the test emits by hand. Unless
// ManualStates is set, every opened channel announces StateSubscribed
// asynchronously, mirroring how real transports report readiness.
type MockTransport struct {
	mu       sync.Mutex
	channels []*MockChannel

	// OpenErr fails the next Opens when set.
	OpenErr error
	// ManualStates suppresses the automatic StateSubscribed announcement.
	ManualStates bool

	closed atomic.Bool
}

// MockChannel is one recorded subscription on a MockTransport.
type MockChannel struct {
	Spec mux.Spec

	handlers mux.Handlers
	matcher  *specMatcher
	closed   atomic.Bool
	closes   atomic.Int32
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Open records a channel and, unless ManualStates is set, schedules its
// StateSubscribed announcement.
func (t *MockTransport) Open(spec mux.Spec, h mux.Handlers) (mux.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, fmt.Errorf("transport closed")
	}
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}

	matcher, err := newSpecMatcher(spec)
	if err != nil {
		return nil, err
	}

	ch := &MockChannel{Spec: spec, handlers: h, matcher: matcher}
	t.channels = append(t.channels, ch)

	if !t.ManualStates {
		go h.OnState(mux.StateSubscribed, nil)
	}

	return ch, nil
}

// Close marks the transport closed. Already-open channels keep working so
// tests can assert teardown ordering explicitly.
func (t *MockTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// OpenCount returns how many channels were ever opened.
func (t *MockTransport) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Channel returns the i-th opened channel.
func (t *MockTransport) Channel(i int) *MockChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[i]
}

// Channels returns a snapshot of every channel opened so far.
func (t *MockTransport) Channels() []*MockChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*MockChannel, len(t.channels))
	copy(out, t.channels)
	return out
}

// Emit fans ev out to every open channel whose spec matches, returning
// the number of channels that received it.
func (t *MockTransport) Emit(ev event.Change) int {
	delivered := 0
	for _, ch := range t.Channels() {
		if ch.Emit(ev) {
			delivered++
		}
	}
	return delivered
}

// Reset forgets all recorded channels.
func (t *MockTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = nil
}

// Emit delivers ev through the channel's spec matcher, reporting whether
// it was passed to OnChange.
func (c *MockChannel) Emit(ev event.Change) bool {
	if c.closed.Load() {
		return false
	}
	if !c.matcher.matches(ev) {
		return false
	}
	if c.handlers.OnChange != nil {
		c.handlers.OnChange(ev)
	}
	return true
}

// EmitState reports a transport state on the channel, bypassing the
// closed check so tests can simulate late signals from a dead channel.
func (c *MockChannel) EmitState(state mux.State, err error) {
	if c.handlers.OnState != nil {
		c.handlers.OnState(state, err)
	}
}

// Close marks the channel closed. Close is counted so tests can assert
// the registry closes each channel exactly once.
func (c *MockChannel) Close() error {
	c.closed.Store(true)
	c.closes.Add(1)
	return nil
}

// Closed reports whether Close was called.
func (c *MockChannel) Closed() bool {
	return c.closed.Load()
}

// CloseCount returns how many times Close was called.
func (c *MockChannel) CloseCount() int {
	return int(c.closes.Load())
}
