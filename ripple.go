// Package ripple is a client-side multiplexer for realtime table change
// feeds. Callers subscribe to (table, event type, filter) triples;
// semantically equivalent subscriptions share one physical transport
// channel, and incoming changes fan out to every attached callback.
//
// A Client owns the transport connection, the subscription registry and
// the optional dispatch journal. Subscriptions are handles: closing a
// handle detaches one consumer, and the underlying channel closes when
// the last consumer for its key leaves.
//
//	config := cfg.Default()
//	config.ClientID = 12
//	config.Transport.Type = cfg.TransportNATS
//
//	client, err := ripple.New(config)
//	if err != nil {
//	    log.Fatal().Err(err).Msg("Unable to start ripple client")
//	}
//	defer client.Close()
//
//	sub, err := client.Subscribe(ripple.SubscriptionConfig{
//	    Table:  "reports",
//	    Filter: "status=eq.open",
//	    OnInsert: func(ev event.Change) {
//	        log.Info().Interface("row", ev.NewRow).Msg("New report")
//	    },
//	})
//	if err != nil {
//	    log.Fatal().Err(err).Msg("Subscribe failed")
//	}
//	defer sub.Close()
//
// Delivery is at-most-once: the client tails the live feed and never
// replays history, so events arriving while a subscription is
// disconnected are gone.
package ripple

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/civicstream/ripple/admin"
	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/id"
	"github.com/civicstream/ripple/journal"
	"github.com/civicstream/ripple/mux"
	_ "github.com/civicstream/ripple/mux/transport" // register built-in transports
	"github.com/civicstream/ripple/telemetry"
)

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("client is closed")

// Client multiplexes subscriptions over one transport connection.
type Client struct {
	config    *cfg.Configuration
	transport mux.Transport
	registry  *mux.Registry
	ids       id.Generator

	journal   *journal.Journal            // nil when journaling is disabled
	adminSrv  *admin.Server               // nil when the admin API is disabled
	collector *telemetry.MetricsCollector // nil when metrics are disabled

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed atomic.Bool
}

// New builds a client from the configuration, constructing the transport
// through the factory registered for config.Transport.Type.
func New(config *cfg.Configuration) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	transport, err := mux.NewTransport(config.Transport)
	if err != nil {
		return nil, fmt.Errorf("unable to create transport: %w", err)
	}

	client, err := NewWithTransport(config, transport)
	if err != nil {
		if closeErr := transport.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close transport after setup failure")
		}
		return nil, err
	}
	return client, nil
}

// NewWithTransport builds a client around a caller-supplied transport.
// The config's transport section is unused on this path; the caller owns
// transport construction and the client owns its lifetime from here.
func NewWithTransport(config *cfg.Configuration, transport mux.Transport) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	c := &Client{
		config:    config,
		transport: transport,
		ids:       id.NewConsumerIDGenerator(),
		subs:      make(map[*Subscription]struct{}),
	}

	if config.Prometheus.Enabled {
		telemetry.InitializeTelemetry(true, config.ClientID)
		telemetry.InitMetrics()
	}

	if config.Journal.Enabled {
		j, err := journal.Open(config.DataDir, config.Journal.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("unable to open journal: %w", err)
		}
		c.journal = j
	}

	registry, err := mux.NewRegistry(mux.RegistryConfig{
		Transport:  transport,
		OnDispatch: c.recordDispatch,
	})
	if err != nil {
		c.closeJournal()
		return nil, err
	}
	c.registry = registry

	if config.Prometheus.Enabled {
		interval := time.Duration(config.Prometheus.CollectIntervalSeconds) * time.Second
		c.collector = telemetry.NewMetricsCollector(c, interval)
		c.collector.Start()
	}

	if config.Admin.Enabled {
		var journalSource admin.JournalSource
		if c.journal != nil {
			journalSource = c.journal
		}
		c.adminSrv = admin.NewServer(config.Admin, config.ClientID, registry, journalSource)
		if err := c.adminSrv.Start(); err != nil {
			c.stopBackground()
			c.closeJournal()
			return nil, fmt.Errorf("unable to start admin server: %w", err)
		}
	}

	log.Info().
		Uint64("client_id", config.ClientID).
		Str("transport", config.Transport.Type).
		Bool("journal", config.Journal.Enabled).
		Msg("Ripple client started")
	return c, nil
}

// Subscribe registers a new subscription and returns its handle. Unless
// the config marks it disabled, the subscription attaches immediately;
// connection progress is observed through Status and Ready.
func (c *Client) Subscribe(config SubscriptionConfig) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	key, err := mux.NewKey(config.Table, config.Event, config.Filter)
	if err != nil {
		return nil, fmt.Errorf("invalid subscription: %w", err)
	}

	s := &Subscription{
		client:   c,
		key:      key,
		onInsert: config.OnInsert,
		onUpdate: config.OnUpdate,
		onDelete: config.OnDelete,
		onError:  config.OnError,
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	if config.Disabled {
		s.mu.Lock()
		s.ready = settledFuture(mux.StatusDisconnected)
		s.mu.Unlock()
	} else {
		s.attach()
	}

	log.Debug().Str("key", key.String()).Bool("disabled", config.Disabled).Msg("Subscription created")
	return s, nil
}

// ID returns the configured client identity.
func (c *Client) ID() uint64 {
	return c.config.ClientID
}

// Stats snapshots every live subscription key.
func (c *Client) Stats() []mux.ChannelInfo {
	return c.registry.Stats()
}

// ChannelStats reports open channel and attached consumer totals.
func (c *Client) ChannelStats() (openChannels, activeConsumers int) {
	return c.registry.ChannelStats()
}

// JournalEntryCount returns the number of retained journal entries, zero
// when journaling is disabled.
func (c *Client) JournalEntryCount() int {
	if c.journal == nil {
		return 0
	}
	return c.journal.EntryCount()
}

// AdminAddr returns the admin API listen address, nil when the admin
// server is disabled. With a configured port of 0 this is how the bound
// port is discovered.
func (c *Client) AdminAddr() net.Addr {
	if c.adminSrv == nil {
		return nil
	}
	return c.adminSrv.Addr()
}

// Close shuts the client down: every subscription is detached, every
// physical channel closed, the transport released. Close is idempotent
// and terminal; Subscribe fails afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[*Subscription]struct{})
	c.mu.Unlock()

	// Handles are marked dead first so no Reconnect can slip a fresh
	// consumer in behind the teardown.
	for _, s := range subs {
		s.markClosed()
	}

	c.stopBackground()
	c.registry.TeardownAll()

	err := c.transport.Close()
	if err != nil {
		log.Warn().Err(err).Msg("Transport close failed")
	}

	c.closeJournal()

	log.Info().Uint64("client_id", c.config.ClientID).Msg("Ripple client closed")
	return err
}

// recordDispatch is the registry dispatch observer; it feeds the journal.
func (c *Client) recordDispatch(key mux.Key, ev event.Change) {
	if c.journal == nil {
		return
	}
	entry := journal.Entry{
		Key:        key.String(),
		Table:      ev.Table,
		Op:         ev.Op.String(),
		EventSeq:   ev.Seq,
		CommitTS:   ev.CommitTS,
		ReceivedAt: time.Now().UnixMilli(),
		Consumers:  c.registry.ConsumerCount(key),
		Row:        ev.Record(),
	}
	if err := c.journal.Append(entry); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("Journal append failed")
	}
}

// detach removes a closed subscription from the client's handle set.
func (c *Client) detach(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

func (c *Client) stopBackground() {
	if c.adminSrv != nil {
		if err := c.adminSrv.Stop(); err != nil {
			log.Warn().Err(err).Msg("Admin server stop failed")
		}
	}
	if c.collector != nil {
		c.collector.Stop()
	}
}

func (c *Client) closeJournal() {
	if c.journal == nil {
		return
	}
	if err := c.journal.Close(); err != nil {
		log.Warn().Err(err).Msg("Journal close failed")
	}
}
