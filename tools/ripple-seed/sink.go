package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"
)

// sink publishes encoded change payloads to broker topics. The run loop
// is single-threaded, so implementations need not be safe for
// concurrent use.
type sink interface {
	Publish(topic, key string, value []byte) error
	Close() error
}

func newSink(cfg *seedConfig) (sink, error) {
	switch cfg.Transport {
	case "nats":
		return newNatsSink(cfg.NatsURL)
	case "kafka":
		return newKafkaSink(strings.Split(cfg.Brokers, ","))
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
}

// natsSink publishes through JetStream the way the portal server does,
// so seeded events are visible to both durable consumers and the core
// subscriptions live clients open.
type natsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams map[string]struct{}
}

func newNatsSink(url string) (*natsSink, error) {
	if url == "" {
		return nil, fmt.Errorf("nats transport requires nats-url")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &natsSink{nc: nc, js: js, streams: make(map[string]struct{})}, nil
}

// Publish sends one payload to a JetStream subject. The stream backing
// each subject is ensured on first use so a fresh broker works without
// setup.
func (n *natsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, ok := n.streams[topic]; !ok {
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName(topic),
			Subjects:  []string{topic},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream for %s: %w", topic, err)
		}
		n.streams[topic] = struct{}{}
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *natsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// streamName converts a topic to a valid JetStream stream name, which
// cannot contain dots.
func streamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

type kafkaSink struct {
	writer *kafka.Writer
}

func newKafkaSink(brokers []string) (*kafkaSink, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}

	// BatchSize 1 with a short timeout flushes each synchronous write
	// immediately instead of waiting out the default linger.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &kafkaSink{writer: writer}, nil
}

// Publish writes one message. Hash balancing keeps every change for a
// row on the same partition, preserving per-row order for consumers.
func (k *kafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (k *kafkaSink) Close() error {
	return k.writer.Close()
}
