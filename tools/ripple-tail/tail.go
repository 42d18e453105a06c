package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/civicstream/ripple"
	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
)

func runTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to TOML configuration file")
	table := fs.String("table", "", "Table to tail (required)")
	filterExpr := fs.String("filter", "", "Row filter, e.g. status=eq.open")
	eventType := fs.String("event", "any", "Event type: insert|update|delete|any")
	jsonOut := fs.Bool("json", false, "Print events as JSON lines")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	clientID := fs.Uint64("client-id", 0, "Override the client identity")
	transportType := fs.String("transport", "", "Override transport type")
	natsURL := fs.String("nats-url", "", "Override NATS server URL")
	wsURL := fs.String("ws-url", "", "Override websocket URL")
	brokers := fs.String("brokers", "", "Override Kafka brokers (comma-separated)")
	sqlitePath := fs.String("sqlite-path", "", "Override SQLite changelog database path")
	adminOn := fs.Bool("admin", false, "Serve the admin API while tailing")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *table == "" {
		fmt.Fprintln(os.Stderr, "--table is required")
		os.Exit(1)
	}

	config, err := cfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *clientID > 0 {
		config.ClientID = *clientID
	}
	if *transportType != "" {
		config.Transport.Type = *transportType
	}
	if *natsURL != "" {
		config.Transport.NatsURL = *natsURL
	}
	if *wsURL != "" {
		config.Transport.WSURL = *wsURL
	}
	if *brokers != "" {
		config.Transport.Brokers = strings.Split(*brokers, ",")
	}
	if *sqlitePath != "" {
		config.Transport.SQLitePath = *sqlitePath
	}
	if *adminOn {
		config.Admin.Enabled = true
	}
	if *verbose {
		config.Logging.Verbose = true
	}

	// Flag overrides can invalidate a config that loaded cleanly.
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(config)

	op, err := event.ParseOp(*eventType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid event type: %v\n", err)
		os.Exit(1)
	}

	client, err := ripple.New(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start client")
	}
	defer client.Close()

	emit := printEvent
	if *jsonOut {
		emit = printEventJSON
	}

	sub, err := client.Subscribe(ripple.SubscriptionConfig{
		Table:    *table,
		Filter:   *filterExpr,
		Event:    op,
		OnInsert: emit,
		OnUpdate: emit,
		OnDelete: emit,
		OnError: func(err error) {
			log.Error().Err(err).Msg("Subscription error")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Subscribe failed")
	}
	defer sub.Close()

	log.Info().
		Str("key", sub.Key().String()).
		Str("transport", config.Transport.Type).
		Msg("Tailing - press Ctrl-C to stop")

	go func() {
		status, err := sub.Ready().Get()
		if err != nil {
			log.Error().Err(err).Msg("Subscription failed to connect")
			return
		}
		log.Info().Str("status", status.String()).Msg("Subscription ready")
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Interrupted, shutting down")
}

// setupLogging routes logs to stderr so piped event output stays clean.
func setupLogging(config *cfg.Configuration) {
	var writer io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})
	if config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("client_id", config.ClientID).
		Logger()

	if config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func printEvent(ev event.Change) {
	row, err := json.Marshal(ev.Record())
	if err != nil {
		row = []byte(fmt.Sprintf("%v", ev.Record()))
	}
	fmt.Printf("%-6s %-20s seq=%-10d %s\n", ev.Op, ev.Table, ev.Seq, row)
}

// wireEvent is the JSON line format for --json output.
type wireEvent struct {
	Table    string    `json:"table"`
	Op       string    `json:"op"`
	OldRow   event.Row `json:"old_row,omitempty"`
	NewRow   event.Row `json:"new_row,omitempty"`
	CommitTS int64     `json:"commit_ts,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
}

func printEventJSON(ev event.Change) {
	line := wireEvent{
		Table:    ev.Table,
		Op:       ev.Op.String(),
		OldRow:   ev.OldRow,
		NewRow:   ev.NewRow,
		CommitTS: ev.CommitTS,
		Seq:      ev.Seq,
	}
	if err := json.NewEncoder(os.Stdout).Encode(line); err != nil {
		log.Error().Err(err).Msg("Failed to encode event")
	}
}
