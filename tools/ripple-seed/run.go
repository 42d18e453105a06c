package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/civicstream/ripple/mux/transport"
)

type seedConfig struct {
	Transport   string
	NatsURL     string
	Brokers     string
	TopicPrefix string
	Format      string
	Tables      string
	Rate        int
	Count       int
	Seed        int64
}

func (c *seedConfig) Validate() error {
	switch c.Transport {
	case "nats", "kafka":
	default:
		return fmt.Errorf("transport must be nats or kafka, got %q", c.Transport)
	}
	if c.Rate < 1 || c.Rate > 10000 {
		return fmt.Errorf("rate must be between 1 and 10000, got %d", c.Rate)
	}
	if strings.TrimSpace(c.Tables) == "" {
		return fmt.Errorf("at least one table is required")
	}
	return nil
}

func (c *seedConfig) tableList() []string {
	var tables []string
	for _, table := range strings.Split(c.Tables, ",") {
		if table = strings.TrimSpace(table); table != "" {
			tables = append(tables, table)
		}
	}
	return tables
}

func runSeed(args []string) {
	cfg := &seedConfig{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	var duration time.Duration
	fs.StringVar(&cfg.Transport, "transport", "nats", "Broker to publish to: nats|kafka")
	fs.StringVar(&cfg.NatsURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	fs.StringVar(&cfg.Brokers, "brokers", "127.0.0.1:9092", "Kafka brokers, comma-separated")
	fs.StringVar(&cfg.TopicPrefix, "topic-prefix", "ripple", "Topic prefix clients subscribe under")
	fs.StringVar(&cfg.Format, "format", "native", "Payload format: native|json")
	fs.StringVar(&cfg.Tables, "tables", "reports,comments,votes", "Tables to generate changes for")
	fs.IntVar(&cfg.Rate, "rate", 10, "Events per second")
	fs.IntVar(&cfg.Count, "count", 0, "Stop after this many events (0 = run forever)")
	fs.DurationVar(&duration, "duration", 0, "Stop after this long (e.g. 30s)")
	fs.Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 = time-based)")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	encode, err := transport.EncoderFor(cfg.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if duration > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), duration)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()

	if err := executeSeed(ctx, cfg, encode); err != nil {
		fmt.Fprintf(os.Stderr, "Seed failed: %v\n", err)
		os.Exit(1)
	}
}

type seedStats struct {
	published atomic.Uint64
	errors    atomic.Uint64
}

func executeSeed(ctx context.Context, cfg *seedConfig, encode transport.EncodeFunc) error {
	snk, err := newSink(cfg)
	if err != nil {
		return err
	}
	defer snk.Close()

	gen := newGenerator(cfg.Seed, cfg.tableList())
	stats := &seedStats{}

	fmt.Printf("Publishing to %s (format=%s, prefix=%s, tables=%s, rate=%d/s)\n",
		cfg.Transport, cfg.Format, cfg.TopicPrefix, cfg.Tables, cfg.Rate)

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go reportProgress(reportCtx, stats)

	start := time.Now()
	ticker := time.NewTicker(time.Second / time.Duration(cfg.Rate))
	defer ticker.Stop()

loop:
	for cfg.Count == 0 || int(stats.published.Load()) < cfg.Count {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			ev := gen.next()
			data, err := encode(ev)
			if err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			topic := transport.Topic(cfg.TopicPrefix, ev.Table)
			if err := snk.Publish(topic, seedKey(ev), data); err != nil {
				stats.errors.Add(1)
				fmt.Fprintf(os.Stderr, "Publish error: %v\n", err)
				continue
			}
			stats.published.Add(1)
		}
	}

	stopReport()
	elapsed := time.Since(start)
	fmt.Printf("Published %d events (%d errors) in %.1fs\n",
		stats.published.Load(), stats.errors.Load(), elapsed.Seconds())
	return nil
}

// reportProgress prints a throughput line every second, matching the
// cadence a long-running seed session needs to confirm the broker is
// keeping up.
func reportProgress(ctx context.Context, stats *seedStats) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := stats.published.Load()
			fmt.Printf("[%4.0fs] events/sec: %4d | total: %7d | errors: %3d\n",
				time.Since(start).Seconds(), total-last, total, stats.errors.Load())
			last = total
		}
	}
}
