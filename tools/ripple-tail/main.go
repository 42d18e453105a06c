package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "tail":
		runTail(args)
	case "status":
		runStatus(args)
	case "version":
		fmt.Printf("ripple-tail version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ripple-tail - live-tail table change events

Usage:
  ripple-tail <command> [options]

Commands:
  tail      Subscribe to a table and print changes as they arrive
  status    Query a running client's admin API
  version   Print version
  help      Show this help

Tail Options:
  --config       Path to TOML configuration file
  --table        Table to tail (required)
  --filter       Row filter, e.g. status=eq.open (default: none)
  --event        Event type: insert|update|delete|any (default: any)
  --json         Print events as JSON lines (default: false)
  --verbose      Enable debug logging (default: false)
  --client-id    Override the client identity
  --transport    Override transport type: nats|kafka|ws|sqlite
  --nats-url     Override NATS server URL
  --ws-url       Override websocket URL
  --brokers      Override Kafka brokers (comma-separated)
  --sqlite-path  Override SQLite changelog database path
  --admin        Serve the admin API while tailing (default: false)

Status Options:
  --addr         Admin API address (default: 127.0.0.1:8190)
  --token        Bearer token when the API requires one
  --recent       Also fetch this many recent journal entries (default: 0)
  --timeout      Request timeout (default: 5s)

Examples:
  ripple-tail tail --table=reports --filter=status=eq.open
  ripple-tail tail --table=comments --event=insert --json
  ripple-tail tail --config=ripple.toml --table=reports --admin
  ripple-tail status --addr=127.0.0.1:8190 --recent=20`)
}
