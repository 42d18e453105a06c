package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Transport backends that deliver change events.
const (
	TransportNATS   = "nats"
	TransportKafka  = "kafka"
	TransportWS     = "ws"
	TransportSQLite = "sqlite"
	TransportMock   = "mock"
)

// Wire payload formats.
const (
	FormatNative = "native"
	FormatJSON   = "json"
)

type TransportConfiguration struct {
	// Type is one of nats, kafka, ws, sqlite, mock.
	Type string `toml:"type"`
	// Format is the payload encoding: native (msgpack) or json.
	Format string `toml:"format"`
	// TopicPrefix is prepended to every derived topic name.
	TopicPrefix string `toml:"topic_prefix"`

	NatsURL string `toml:"nats_url"`

	Brokers []string `toml:"brokers"`

	WSURL  string `toml:"ws_url"`
	APIKey string `toml:"api_key"`

	SQLitePath     string   `toml:"sqlite_path"`
	TrackTables    []string `toml:"track_tables"`
	PollIntervalMS int      `toml:"poll_interval_ms"`

	OpenTimeoutMS       int `toml:"open_timeout_ms"`
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"`
}

type JournalConfiguration struct {
	Enabled    bool `toml:"enabled"`
	MaxEntries int  `toml:"max_entries"`
}

type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"`
}

type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"`
}

type PrometheusConfiguration struct {
	Enabled                bool `toml:"enable"`
	CollectIntervalSeconds int  `toml:"collect_interval_seconds"`
}

type Configuration struct {
	ClientID uint64 `toml:"client_id"`
	DataDir  string `toml:"data_dir"`

	Transport  TransportConfiguration  `toml:"transport"`
	Journal    JournalConfiguration    `toml:"journal"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

var ConfigPathFlag = flag.String("config", "", "Path to TOML configuration file")
var DataDirFlag = flag.String("data-dir", "", "Path to data directory")
var ClientIDFlag = flag.Uint64("client-id", 0, "Client ID")
var AdminPortFlag = flag.Int("admin-port", 0, "Admin API port")

// Default returns a Configuration populated with usable defaults. Every
// loader starts from here so zero-value fields never leak into Validate.
func Default() *Configuration {
	return &Configuration{
		DataDir: "/tmp/ripple-data",
		Transport: TransportConfiguration{
			Type:                TransportNATS,
			Format:              FormatNative,
			TopicPrefix:         "ripple",
			NatsURL:             "nats://127.0.0.1:4222",
			PollIntervalMS:      250,
			OpenTimeoutMS:       10_000,
			HeartbeatIntervalMS: 30_000,
		},
		Journal: JournalConfiguration{
			Enabled:    false,
			MaxEntries: 8192,
		},
		Admin: AdminConfiguration{
			Enabled:     false,
			BindAddress: "0.0.0.0",
			Port:        8190,
		},
		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},
		Prometheus: PrometheusConfiguration{
			Enabled:                false,
			CollectIntervalSeconds: 10,
		},
	}
}

// Load builds a Configuration from defaults, the optional TOML file at
// configPath, and any command line flag overrides, in that order. Each call
// returns a fresh instance so independent clients in one process never share
// mutable configuration state.
func Load(configPath string) (*Configuration, error) {
	config := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file %s not accessible: %w", configPath, err)
		}
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w", configPath, err)
		}
	}

	if *DataDirFlag != "" {
		config.DataDir = *DataDirFlag
	}
	if *ClientIDFlag > 0 {
		config.ClientID = *ClientIDFlag
	}
	if *AdminPortFlag > 0 {
		config.Admin.Port = *AdminPortFlag
	}

	if config.ClientID == 0 {
		id, err := generateClientID()
		if err != nil {
			return nil, err
		}
		config.ClientID = id
		log.Info().Uint64("client_id", config.ClientID).Msg("Client ID not set, using generated value")
	}

	if config.Journal.Enabled {
		if err := os.MkdirAll(config.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("unable to create data directory %s: %w", config.DataDir, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// generateClientID derives a stable per-machine identifier so restarts of
// the same deployment keep their identity without manual assignment.
func generateClientID() (uint64, error) {
	machineID, err := machineid.ProtectedID("ripple")
	if err != nil {
		return 0, fmt.Errorf("unable to read machine ID: %w", err)
	}

	hasher := fnv.New64a()
	if _, err := hasher.Write([]byte(machineID)); err != nil {
		return 0, fmt.Errorf("unable to hash machine ID: %w", err)
	}

	return hasher.Sum64(), nil
}

func (c *Configuration) Validate() error {
	if c.ClientID == 0 {
		return fmt.Errorf("client_id must be non-zero")
	}

	switch c.Transport.Type {
	case TransportNATS:
		if c.Transport.NatsURL == "" {
			return fmt.Errorf("transport.nats_url is required for the nats transport")
		}
	case TransportKafka:
		if len(c.Transport.Brokers) == 0 {
			return fmt.Errorf("transport.brokers is required for the kafka transport")
		}
	case TransportWS:
		if c.Transport.WSURL == "" {
			return fmt.Errorf("transport.ws_url is required for the ws transport")
		}
	case TransportSQLite:
		if c.Transport.SQLitePath == "" {
			return fmt.Errorf("transport.sqlite_path is required for the sqlite transport")
		}
		if c.Transport.PollIntervalMS < 10 {
			return fmt.Errorf("transport.poll_interval_ms must be at least 10, got %d", c.Transport.PollIntervalMS)
		}
	case TransportMock:
	default:
		return fmt.Errorf("invalid transport.type: %s", c.Transport.Type)
	}

	switch c.Transport.Format {
	case FormatNative, FormatJSON:
	default:
		return fmt.Errorf("invalid transport.format: %s (must be native or json)", c.Transport.Format)
	}

	if c.Transport.TopicPrefix == "" {
		return fmt.Errorf("transport.topic_prefix must not be empty")
	}

	if c.Transport.OpenTimeoutMS < 1 {
		return fmt.Errorf("transport.open_timeout_ms must be positive, got %d", c.Transport.OpenTimeoutMS)
	}

	if c.Transport.HeartbeatIntervalMS < 1 {
		return fmt.Errorf("transport.heartbeat_interval_ms must be positive, got %d", c.Transport.HeartbeatIntervalMS)
	}

	if c.Journal.Enabled {
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required when the journal is enabled")
		}
		if c.Journal.MaxEntries < 1 {
			return fmt.Errorf("journal.max_entries must be positive, got %d", c.Journal.MaxEntries)
		}
	}

	if c.Admin.Enabled {
		if c.Admin.Port < 1 || c.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin.port: %d (must be 1-65535)", c.Admin.Port)
		}
		if c.Admin.BindAddress == "" {
			return fmt.Errorf("admin.bind_address must not be empty")
		}
	}

	if c.Prometheus.Enabled && c.Prometheus.CollectIntervalSeconds < 1 {
		return fmt.Errorf("prometheus.collect_interval_seconds must be positive, got %d", c.Prometheus.CollectIntervalSeconds)
	}

	return nil
}
