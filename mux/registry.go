package mux

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/telemetry"
)

// RegistryConfig configures a subscription registry
type RegistryConfig struct {
	Transport Transport
	// OnDispatch observes every event before fan-out; the client hooks
	// the journal in here. Optional.
	OnDispatch func(Key, event.Change)
}

// Consumer is one party acquiring a key. OnChange may be nil: the
// consumer still holds a reference on the channel and only observes
// status. Ready, when set, is resolved once with the first settled status
// of this acquire cycle.
type Consumer struct {
	ID       string
	OnChange func(event.Change)
	OnError  func(error)
	Ready    *future.Promise[Status]
}

// consumer is the registry's bookkeeping for an attached Consumer.
type consumer struct {
	id        string
	onChange  func(event.Change)
	onError   func(error)
	ready     *future.Promise[Status]
	readyDone bool
}

// entry tracks one live key: the physical channel, the consumer set and
// the projected status. Epoch fences transport callbacks from closed
// generations of the same key.
type entry struct {
	epoch     uint64
	ch        Channel // nil when the open failed
	status    Status
	lastErr   error
	consumers map[string]*consumer
}

// Registry multiplexes subscription keys onto physical transport
// channels: one channel per distinct live key, refcounted by consumer.
type Registry struct {
	transport  Transport
	onDispatch func(Key, event.Change)

	mu      sync.Mutex
	entries map[Key]*entry

	// statuses mirrors entry statuses for lock-free reads. The mutex
	// above is the only writer.
	statuses  *xsync.MapOf[Key, Status]
	nextEpoch atomic.Uint64
}

// NewRegistry creates a new subscription registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("registry transport is required")
	}

	return &Registry{
		transport:  config.Transport,
		onDispatch: config.OnDispatch,
		entries:    make(map[Key]*entry),
		statuses:   xsync.NewMapOf[Key, Status](),
	}, nil
}

// Acquire attaches a consumer to a key, opening the physical channel when
// the consumer is the key's first. The call returns once the consumer is
// registered; open completion arrives asynchronously through status.
//
// An open failure is not returned: the registration is kept, the key
// projects StatusError and every attached consumer's OnError fires once
// for the shared failure. Reconnecting with a fresh consumer retries.
func (r *Registry) Acquire(key Key, c Consumer) {
	var notify []func()
	var closeStale Channel

	r.mu.Lock()
	e, ok := r.entries[key]
	needOpen := false
	switch {
	case !ok:
		e = &entry{
			epoch:     r.nextEpoch.Add(1),
			status:    StatusConnecting,
			consumers: make(map[string]*consumer),
		}
		r.entries[key] = e
		r.statuses.Store(key, StatusConnecting)
		telemetry.StatusTransitionsTotal.With(StatusDisconnected.String(), StatusConnecting.String()).Inc()
		needOpen = true
	case e.status == StatusDisconnected:
		// The server closed the channel while consumers were still
		// attached. A new acquire revives the key under a fresh
		// generation; the dead channel ref is discarded.
		e.epoch = r.nextEpoch.Add(1)
		closeStale = e.ch
		e.ch = nil
		e.status = StatusConnecting
		e.lastErr = nil
		r.statuses.Store(key, StatusConnecting)
		telemetry.StatusTransitionsTotal.With(StatusDisconnected.String(), StatusConnecting.String()).Inc()
		needOpen = true
	default:
		telemetry.AcquiresTotal.With("joined").Inc()
	}

	if needOpen {
		epoch := e.epoch
		ch, err := r.transport.Open(key.Spec(), Handlers{
			OnChange: func(ev event.Change) { r.dispatch(key, epoch, ev) },
			OnState:  func(s State, err error) { r.transition(key, epoch, s, err) },
		})
		if err != nil {
			e.status = StatusError
			e.lastErr = fmt.Errorf("transport open: %w", err)
			r.statuses.Store(key, StatusError)
			telemetry.AcquiresTotal.With("open_failed").Inc()
			telemetry.StatusTransitionsTotal.With(StatusConnecting.String(), StatusError.String()).Inc()
			log.Error().Err(err).Str("key", key.String()).Msg("Transport open failed")

			// Consumers attached before a revival share the failure the
			// same way a live-channel error would reach them.
			shared := e.lastErr
			for _, cons := range e.consumers {
				notify = append(notify, r.settleLocked(e, cons)...)
				if cons.onError != nil {
					cc := cons
					notify = append(notify, func() { reportCallbackError(key, cc, shared) })
				}
			}
		} else {
			e.ch = ch
			telemetry.AcquiresTotal.With("opened").Inc()
			log.Debug().Str("key", key.String()).Str("topic", key.Topic()).Msg("Opened channel")
		}
	}

	cons := &consumer{id: c.ID, onChange: c.OnChange, onError: c.OnError, ready: c.Ready}
	e.consumers[c.ID] = cons

	// A consumer joining an already settled key observes the settled
	// state immediately: resolved ready and, for errors, the shared
	// failure. This is also how the first consumer learns its own open
	// failed.
	if e.status != StatusConnecting {
		notify = append(notify, r.settleLocked(e, cons)...)
		if e.status == StatusError && cons.onError != nil {
			shared := e.lastErr
			cc := cons
			notify = append(notify, func() { reportCallbackError(key, cc, shared) })
		}
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}

	if closeStale != nil {
		if err := closeStale.Close(); err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("Failed to close stale channel")
		}
	}
}

// Release detaches a consumer from a key. Removing the last consumer
// closes the physical channel exactly once and deletes the key's
// bookkeeping. Unknown keys and consumers are silent no-ops, which makes
// release idempotent.
func (r *Registry) Release(key Key, consumerID string) {
	var closeCh Channel
	var notify []func()

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		telemetry.ReleasesTotal.With("stale").Inc()
		return
	}
	cons, ok := e.consumers[consumerID]
	if !ok {
		r.mu.Unlock()
		telemetry.ReleasesTotal.With("stale").Inc()
		return
	}
	delete(e.consumers, consumerID)

	// A waiter on Ready must not hang when its consumer leaves before
	// the key settles.
	if cons.ready != nil && !cons.readyDone {
		cons.readyDone = true
		p := cons.ready
		notify = append(notify, func() { p.Set(StatusDisconnected, nil) })
	}

	if len(e.consumers) == 0 {
		delete(r.entries, key)
		r.statuses.Delete(key)
		closeCh = e.ch
		e.ch = nil
		telemetry.ReleasesTotal.With("closed").Inc()
		telemetry.StatusTransitionsTotal.With(e.status.String(), StatusDisconnected.String()).Inc()
	} else {
		telemetry.ReleasesTotal.With("detached").Inc()
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}

	if closeCh != nil {
		if err := closeCh.Close(); err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("Failed to close channel")
		}
		log.Debug().Str("key", key.String()).Msg("Closed channel")
	}
}

// Status returns the projected status for a key. Unknown keys read as
// disconnected.
func (r *Registry) Status(key Key) Status {
	if s, ok := r.statuses.Load(key); ok {
		return s
	}
	return StatusDisconnected
}

// ConsumerCount returns the number of consumers attached to a key.
func (r *Registry) ConsumerCount(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return 0
	}
	return len(e.consumers)
}

// ChannelStats reports totals for the metrics collector.
func (r *Registry) ChannelStats() (openChannels, activeConsumers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ch != nil {
			openChannels++
		}
		activeConsumers += len(e.consumers)
	}
	return openChannels, activeConsumers
}

// ChannelInfo is a point-in-time snapshot of one live key.
type ChannelInfo struct {
	Key       string `json:"key"`
	Topic     string `json:"topic"`
	Status    string `json:"status"`
	Consumers int    `json:"consumers"`
	Error     string `json:"error,omitempty"`
}

// Stats snapshots every live key, sorted by key for stable output.
func (r *Registry) Stats() []ChannelInfo {
	r.mu.Lock()
	infos := make([]ChannelInfo, 0, len(r.entries))
	for key, e := range r.entries {
		info := ChannelInfo{
			Key:       key.String(),
			Topic:     key.Topic(),
			Status:    e.status.String(),
			Consumers: len(e.consumers),
		}
		if e.lastErr != nil {
			info.Error = e.lastErr.Error()
		}
		infos = append(infos, info)
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// TeardownAll closes every physical channel and clears all bookkeeping.
// The registry stays usable; the client decides whether teardown is
// terminal.
func (r *Registry) TeardownAll() {
	var chans []Channel
	var notify []func()

	r.mu.Lock()
	old := r.entries
	r.entries = make(map[Key]*entry)
	r.statuses.Clear()
	for _, e := range old {
		for _, cons := range e.consumers {
			if cons.ready != nil && !cons.readyDone {
				cons.readyDone = true
				p := cons.ready
				notify = append(notify, func() { p.Set(StatusDisconnected, nil) })
			}
		}
		if e.ch != nil {
			chans = append(chans, e.ch)
		}
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}

	for _, ch := range chans {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close channel during teardown")
		}
	}

	telemetry.TeardownsTotal.Inc()
	log.Info().Int("channels", len(chans)).Int("keys", len(old)).Msg("Registry teardown complete")
}

// dispatch fans one event out to the key's consumers. The consumer set is
// snapshotted under the mutex and callbacks run outside it: joins and
// leaves during fan-out do not affect this event. Stale epochs are events
// from a closed generation of the key and are dropped.
func (r *Registry) dispatch(key Key, epoch uint64, ev event.Change) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.epoch != epoch {
		r.mu.Unlock()
		return
	}
	targets := make([]*consumer, 0, len(e.consumers))
	for _, cons := range e.consumers {
		targets = append(targets, cons)
	}
	r.mu.Unlock()

	if r.onDispatch != nil {
		r.onDispatch(key, ev)
	}

	fanout := 0
	for _, cons := range targets {
		if cons.onChange == nil {
			continue
		}
		r.invoke(key, cons, ev)
		fanout++
	}

	telemetry.EventsDispatchedTotal.With(ev.Op.String()).Inc()
	telemetry.DispatchFanout.Observe(float64(fanout))
}

// invoke runs one consumer callback with panic isolation. A panicking
// callback is reported to its own consumer's error handler and logged;
// siblings are unaffected.
func (r *Registry) invoke(key Key, cons *consumer, ev event.Change) {
	defer func() {
		if p := recover(); p != nil {
			telemetry.CallbackPanicsTotal.Inc()
			log.Error().
				Str("key", key.String()).
				Str("consumer", cons.id).
				Interface("panic", p).
				Msg("Change callback panicked")
			if cons.onError != nil {
				reportCallbackError(key, cons, fmt.Errorf("change callback panic: %v", p))
			}
		}
	}()
	cons.onChange(ev)
}

// reportCallbackError guards against error handlers that panic too.
func reportCallbackError(key Key, cons *consumer, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("key", key.String()).
				Str("consumer", cons.id).
				Interface("panic", p).
				Msg("Error callback panicked")
		}
	}()
	cons.onError(err)
}

// transition applies a transport state change to the key's projected
// status. Error states notify every attached consumer once per reported
// failure; a server-side close projects to disconnected without error
// callbacks.
func (r *Registry) transition(key Key, epoch uint64, s State, cause error) {
	var notify []func()

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.epoch != epoch {
		r.mu.Unlock()
		return
	}

	next := projectState(s)
	prev := e.status
	if next == prev && next != StatusError {
		r.mu.Unlock()
		return
	}

	e.status = next
	if next == StatusError {
		if cause != nil {
			e.lastErr = fmt.Errorf("channel %s: %w", s, cause)
		} else {
			e.lastErr = fmt.Errorf("channel %s", s)
		}
	}
	r.statuses.Store(key, next)
	telemetry.StatusTransitionsTotal.With(prev.String(), next.String()).Inc()

	if next == StatusError {
		shared := e.lastErr
		for _, cons := range e.consumers {
			if cons.onError != nil {
				c := cons
				notify = append(notify, func() { reportCallbackError(key, c, shared) })
			}
		}
		log.Warn().Str("key", key.String()).Str("state", s.String()).Err(cause).Msg("Channel entered error state")
	}

	// Any state but connecting settles pending ready futures.
	if next != StatusConnecting {
		for _, cons := range e.consumers {
			notify = append(notify, r.settleLocked(e, cons)...)
		}
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// settleLocked queues the ready resolution for one consumer if the entry
// has settled and the consumer still waits. Caller holds r.mu.
func (r *Registry) settleLocked(e *entry, cons *consumer) []func() {
	if cons.ready == nil || cons.readyDone {
		return nil
	}
	cons.readyDone = true
	p := cons.ready
	st := e.status
	var err error
	if st == StatusError {
		err = e.lastErr
	}
	return []func(){func() { p.Set(st, err) }}
}
