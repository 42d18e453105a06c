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
	case "run":
		runSeed(args)
	case "version":
		fmt.Printf("ripple-seed version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ripple-seed - publish synthetic change events for development

Usage:
  ripple-seed <command> [options]

Commands:
  run       Publish a synthetic change stream to a broker
  version   Print version
  help      Show this help

Run Options:
  --transport     Broker to publish to: nats|kafka (default: nats)
  --nats-url      NATS server URL (default: nats://127.0.0.1:4222)
  --brokers       Kafka brokers, comma-separated (default: 127.0.0.1:9092)
  --topic-prefix  Topic prefix clients subscribe under (default: ripple)
  --format        Payload format: native|json (default: native)
  --tables        Tables to generate changes for (default: reports,comments,votes)
  --rate          Events per second, 1-10000 (default: 10)
  --count         Stop after this many events, 0 = run forever (default: 0)
  --duration      Stop after this long, e.g. 30s (default: unlimited)
  --seed          Random seed, 0 = time-based (default: 0)

Examples:
  ripple-seed run --rate=25
  ripple-seed run --transport=kafka --brokers=127.0.0.1:9092 --format=json
  ripple-seed run --tables=reports --count=1000 --seed=42`)
}
