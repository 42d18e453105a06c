package ripple

import (
	"sync"
	"sync/atomic"

	"github.com/civicstream/ripple/event"
)

// defaultStreamBuffer is the channel buffer for streamed changes.
// Sized for typical bursts while keeping memory low; consumers that
// fall behind have changes dropped rather than stalling dispatch.
const defaultStreamBuffer = 16

// Stream bridges a subscription's callbacks to channel delivery for
// consumers built around select loops. Callbacks run on the dispatch
// goroutine and must not block, so the bridge sends without waiting
// and counts what it had to drop.
type Stream struct {
	sub *Subscription

	mu   sync.RWMutex
	done bool

	ch      chan event.Change
	errs    chan error
	dropped atomic.Uint64
}

// Stream subscribes and delivers matching changes on a channel instead
// of firing callbacks. Callback fields in config are ignored; Changes
// and Errs carry everything the subscription observes.
func (c *Client) Stream(config SubscriptionConfig) (*Stream, error) {
	st := &Stream{
		ch:   make(chan event.Change, defaultStreamBuffer),
		errs: make(chan error, defaultStreamBuffer),
	}

	config.OnInsert = st.push
	config.OnUpdate = st.push
	config.OnDelete = st.push
	config.OnError = st.pushErr

	sub, err := c.Subscribe(config)
	if err != nil {
		return nil, err
	}
	st.sub = sub
	return st, nil
}

// Changes returns the delivery channel. It closes when the stream
// closes.
func (s *Stream) Changes() <-chan event.Change {
	return s.ch
}

// Errs returns the channel carrying subscription errors.
func (s *Stream) Errs() <-chan error {
	return s.errs
}

// Dropped reports how many changes and errors were discarded because a
// channel buffer was full.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Subscription exposes the underlying handle for status, readiness,
// and reconnection.
func (s *Stream) Subscription() *Subscription {
	return s.sub
}

// Close detaches the subscription and closes both channels. It is
// idempotent.
func (s *Stream) Close() {
	// Detach first so dispatch stops feeding the bridge; a send already
	// in flight still holds the read lock, so closing below waits for it.
	s.sub.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
	close(s.errs)
}

func (s *Stream) push(ev event.Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Stream) pushErr(err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.dropped.Add(1)
	}
}
