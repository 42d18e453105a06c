package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/mux"
)

const (
	DefaultKafkaMaxBytes = 1 << 20 // 1MB
)

func init() {
	mux.RegisterTransport("kafka", func(config cfg.TransportConfiguration) (mux.Transport, error) {
		if len(config.Brokers) == 0 {
			return nil, fmt.Errorf("kafka transport requires at least one broker address")
		}
		return NewKafkaTransport(config)
	})
}

// KafkaTransport tails per-table Kafka topics. Every channel runs its own
// reader under a fresh consumer group starting at the latest offset, so
// channels see only what arrives while they are open and never steal
// partitions from each other.
type KafkaTransport struct {
	brokers []string
	prefix  string
	decode  DecodeFunc

	groupSeq atomic.Uint64
}

type kafkaChannel struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaTransport builds the transport. Brokers are not contacted until
// a channel opens.
func NewKafkaTransport(config cfg.TransportConfiguration) (*KafkaTransport, error) {
	decode, err := DecoderFor(config.Format)
	if err != nil {
		return nil, err
	}

	return &KafkaTransport{
		brokers: config.Brokers,
		prefix:  config.TopicPrefix,
		decode:  decode,
	}, nil
}

// Open starts a reader goroutine for the table's topic.
func (t *KafkaTransport) Open(spec mux.Spec, h mux.Handlers) (mux.Channel, error) {
	matcher, err := newSpecMatcher(spec)
	if err != nil {
		return nil, err
	}

	topic := Topic(t.prefix, spec.Table)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.brokers,
		Topic:       topic,
		GroupID:     fmt.Sprintf("ripple-%s-%d-%d", spec.Table, time.Now().UnixNano(), t.groupSeq.Add(1)),
		MinBytes:    1,
		MaxBytes:    DefaultKafkaMaxBytes,
		StartOffset: kafka.LastOffset,
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch := &kafkaChannel{reader: reader, cancel: cancel, done: make(chan struct{})}

	go t.readLoop(ctx, reader, matcher, h, ch.done)
	go h.OnState(mux.StateSubscribed, nil)

	return ch, nil
}

// Close is a no-op; readers belong to their channels.
func (t *KafkaTransport) Close() error {
	return nil
}

func (t *KafkaTransport) readLoop(ctx context.Context, reader *kafka.Reader, matcher *specMatcher, h mux.Handlers, done chan struct{}) {
	defer close(done)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// channel closed
				return
			}
			if h.OnState != nil {
				h.OnState(mux.StateChannelError, err)
			}
			return
		}

		// Tombstone markers carry no event
		if len(msg.Value) == 0 {
			continue
		}

		ev, err := t.decode(msg.Value)
		if err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
				Msg("Dropping undecodable change message")
			continue
		}

		if matcher.matches(ev) && h.OnChange != nil {
			h.OnChange(ev)
		}
	}
}

// Close stops the read loop and releases the reader.
func (c *kafkaChannel) Close() error {
	c.cancel()
	<-c.done
	return c.reader.Close()
}
