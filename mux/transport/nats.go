package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/mux"
)

func init() {
	mux.RegisterTransport("nats", func(config cfg.TransportConfiguration) (mux.Transport, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats transport requires nats_url")
		}
		return NewNatsTransport(config)
	})
}

// NatsTransport subscribes to per-table NATS subjects. The portal server
// publishes every change through JetStream; live tailing only needs core
// subscriptions, so channels receive messages as they arrive and accept
// the gap across their own downtime.
//
// Connection state is per connection, not per subscription, so NATS
// client events fan out to every open channel.
type NatsTransport struct {
	nc     *nats.Conn
	prefix string
	decode DecodeFunc

	mu       sync.Mutex
	channels map[*natsChannel]struct{}
}

type natsChannel struct {
	transport *NatsTransport
	sub       *nats.Subscription
	handlers  mux.Handlers
}

// NewNatsTransport connects to the NATS server. The connection retries
// forever in the background, so construction succeeds even while the
// server is down and channels report their state as it evolves.
func NewNatsTransport(config cfg.TransportConfiguration) (*NatsTransport, error) {
	decode, err := DecoderFor(config.Format)
	if err != nil {
		return nil, err
	}

	t := &NatsTransport{
		prefix:   config.TopicPrefix,
		decode:   decode,
		channels: make(map[*natsChannel]struct{}),
	}

	nc, err := nats.Connect(config.NatsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			// nil error means a deliberate close, reported via ClosedHandler
			if err != nil {
				t.fanState(mux.StateChannelError, err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.fanState(mux.StateSubscribed, nil)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.fanState(mux.StateClosed, nil)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t.nc = nc
	return t, nil
}

// Open subscribes to the table's subject. NATS delivers messages to one
// subscription sequentially, which preserves per-channel event order.
func (t *NatsTransport) Open(spec mux.Spec, h mux.Handlers) (mux.Channel, error) {
	matcher, err := newSpecMatcher(spec)
	if err != nil {
		return nil, err
	}

	subject := Topic(t.prefix, spec.Table)
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := t.decode(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("Dropping undecodable change message")
			return
		}
		if matcher.matches(ev) && h.OnChange != nil {
			h.OnChange(ev)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	ch := &natsChannel{transport: t, sub: sub, handlers: h}
	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	go h.OnState(mux.StateSubscribed, nil)

	return ch, nil
}

// Close releases the NATS connection.
func (t *NatsTransport) Close() error {
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}

func (t *NatsTransport) fanState(state mux.State, err error) {
	t.mu.Lock()
	chans := make([]*natsChannel, 0, len(t.channels))
	for ch := range t.channels {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		if ch.handlers.OnState != nil {
			ch.handlers.OnState(state, err)
		}
	}
}

// Close drops the subscription and detaches the channel from connection
// state fan-out.
func (c *natsChannel) Close() error {
	c.transport.mu.Lock()
	delete(c.transport.channels, c)
	c.transport.mu.Unlock()
	return c.sub.Unsubscribe()
}
