package ripple

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"

	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/mux"
)

// ErrSubscriptionClosed is returned by operations on a closed handle.
var ErrSubscriptionClosed = errors.New("subscription is closed")

// SubscriptionConfig describes one subscription. Table is required;
// everything else is optional. The zero Event value subscribes to all
// operations, and the zero Disabled value subscribes immediately.
type SubscriptionConfig struct {
	Table  string
	Filter string
	Event  event.Op

	// Change callbacks, each invoked only for its operation. A config
	// with none still tracks connection status for the key.
	OnInsert func(event.Change)
	OnUpdate func(event.Change)
	OnDelete func(event.Change)

	// OnError receives channel failures and recovered callback panics.
	OnError func(error)

	// Disabled creates the handle detached; SetEnabled(true) attaches it.
	Disabled bool
}

// Subscription is one consumer's handle on a subscription key. Handles
// sharing a key share one physical channel; each handle detaches
// independently and the channel closes when the last one leaves.
type Subscription struct {
	client *Client
	key    mux.Key

	onInsert func(event.Change)
	onUpdate func(event.Change)
	onDelete func(event.Change)
	onError  func(error)

	mu         sync.Mutex
	consumerID string // empty while detached
	ready      *future.Future[mux.Status]

	closed atomic.Bool
}

// Key returns the canonical subscription key for this handle.
func (s *Subscription) Key() mux.Key {
	return s.key
}

// Status returns the connection status this handle observes: the key's
// projected status while attached, disconnected otherwise.
func (s *Subscription) Status() mux.Status {
	s.mu.Lock()
	attached := s.consumerID != ""
	s.mu.Unlock()

	if !attached {
		return mux.StatusDisconnected
	}
	return s.client.registry.Status(s.key)
}

// IsConnected reports whether the handle's channel is live.
func (s *Subscription) IsConnected() bool {
	return s.Status() == mux.StatusConnected
}

// Ready returns the current attach cycle's future. It resolves once,
// when the key first reaches connected (value) or error (error); a
// detach before that settles it as disconnected. Reconnect starts a new
// cycle with a fresh future.
func (s *Subscription) Ready() *future.Future[mux.Status] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Disconnect detaches the handle from its channel. Events arriving
// while detached are not buffered. Idempotent.
func (s *Subscription) Disconnect() {
	s.mu.Lock()
	cid := s.consumerID
	s.consumerID = ""
	s.mu.Unlock()

	if cid != "" {
		s.client.registry.Release(s.key, cid)
	}
}

// Reconnect detaches and re-attaches under a fresh consumer identity.
// Events between the two are lost; delivery is at-most-once by design.
func (s *Subscription) Reconnect() error {
	if s.closed.Load() {
		return ErrSubscriptionClosed
	}
	if s.client.closed.Load() {
		return ErrClientClosed
	}

	s.Disconnect()
	s.attach()
	return nil
}

// SetEnabled attaches or detaches the handle. Enabling an attached
// handle or disabling a detached one is a no-op.
func (s *Subscription) SetEnabled(enabled bool) error {
	if s.closed.Load() {
		return ErrSubscriptionClosed
	}

	if !enabled {
		s.Disconnect()
		return nil
	}

	if s.client.closed.Load() {
		return ErrClientClosed
	}
	s.attach()
	return nil
}

// Close disposes the handle: it detaches exactly once and forgets the
// client. Further lifecycle calls return ErrSubscriptionClosed.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.Disconnect()
	s.client.detach(s)
}

// attach registers a fresh consumer identity for the key. The registry
// call happens outside the handle mutex: acquire may fire callbacks
// synchronously for already settled keys, and those callbacks are free
// to call back into the handle.
func (s *Subscription) attach() {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	if s.consumerID != "" {
		s.mu.Unlock()
		return
	}
	cid := s.client.ids.NextID()
	p := future.NewPromise[mux.Status]()
	s.consumerID = cid
	s.ready = p.Future()
	s.mu.Unlock()

	var onChange func(event.Change)
	if s.onInsert != nil || s.onUpdate != nil || s.onDelete != nil {
		onChange = s.dispatch
	}

	s.client.registry.Acquire(s.key, mux.Consumer{
		ID:       cid,
		OnChange: onChange,
		OnError:  s.onError,
		Ready:    p,
	})

	// A Disconnect or Close that raced the acquire has already won;
	// back the registration out.
	s.mu.Lock()
	lost := s.consumerID != cid
	s.mu.Unlock()
	if lost {
		s.client.registry.Release(s.key, cid)
	}
}

// markClosed kills the handle without touching the registry; the client
// tears all channels down in one pass.
func (s *Subscription) markClosed() {
	s.closed.Store(true)
	s.mu.Lock()
	s.consumerID = ""
	s.mu.Unlock()
}

// dispatch routes one change to the callback for its operation.
func (s *Subscription) dispatch(ev event.Change) {
	switch ev.Op {
	case event.OpInsert:
		if s.onInsert != nil {
			s.onInsert(ev)
		}
	case event.OpUpdate:
		if s.onUpdate != nil {
			s.onUpdate(ev)
		}
	case event.OpDelete:
		if s.onDelete != nil {
			s.onDelete(ev)
		}
	}
}

// settledFuture returns an already resolved status future, used for
// handles created disabled.
func settledFuture(status mux.Status) *future.Future[mux.Status] {
	p := future.NewPromise[mux.Status]()
	p.Set(status, nil)
	return p.Future()
}
