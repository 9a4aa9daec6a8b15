package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Output kinds accepted in relay.outputs
const (
	OutputConsole = "console"
	OutputBroker  = "broker"
	OutputHTTP    = "http"
)

// Broker transports
const (
	TransportNATS  = "nats"
	TransportKafka = "kafka"
)

// Delivery error policies
const (
	OnErrorStop     = "stop"
	OnErrorContinue = "continue"
)

// PostgresConfiguration describes the upstream database and replication slot
type PostgresConfiguration struct {
	Connection     string `toml:"connection"`
	Slot           string `toml:"slot"`
	Publication    string `toml:"publication"`
	CreateSlot     bool   `toml:"create_slot"`
	PollIntervalMS int    `toml:"poll_interval_ms"` // Idle delay between empty fetches
	FetchLimit     int    `toml:"fetch_limit"`      // upto_nchanges per fetch, 0 = unbounded
	ConnectTimeout int    `toml:"connect_timeout_seconds"`
}

// ConsoleConfiguration for the stdout sink
type ConsoleConfiguration struct {
	Format string `toml:"format"` // "json", "json-pretty" or "text"
}

// BrokerConfiguration for the pub/sub sink
type BrokerConfiguration struct {
	Transport      string   `toml:"transport"` // "nats" or "kafka"
	Addresses      []string `toml:"addresses"`
	Stream         string   `toml:"stream"`
	SubjectPrefix  string   `toml:"subject_prefix"`
	Format         string   `toml:"format"` // "json" or "debezium"
	StreamReplicas int      `toml:"stream_replicas"`
	ConnectTimeout int      `toml:"connect_timeout_seconds"`
}

// HTTPConfiguration for the ingestion endpoint sink
type HTTPConfiguration struct {
	BaseURL        string `toml:"base_url"`
	Pipeline       string `toml:"pipeline"`
	Tables         string `toml:"tables"` // Comma separated schema_table allow-list, empty = dynamic
	APIKey         string `toml:"api_key"`
	BatchSize      int    `toml:"batch_size"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Gzip           bool   `toml:"gzip"`
	MaxRetries     int    `toml:"max_retries"`
}

// FilterConfiguration restricts which tables reach the sinks (glob patterns)
type FilterConfiguration struct {
	Schemas []string `toml:"schemas"`
	Tables  []string `toml:"tables"`
}

// RetryConfiguration controls sink delivery retries
type RetryConfiguration struct {
	MaxRetries     int     `toml:"max_retries"`
	InitialDelayMS int     `toml:"initial_delay_ms"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
}

// RelayConfiguration controls the read-decode-dispatch loop
type RelayConfiguration struct {
	Outputs         string `toml:"outputs"`           // Comma separated output kinds
	OnDeliveryError string `toml:"on_delivery_error"` // "stop" or "continue"
}

// CheckpointConfiguration controls the durable position log
type CheckpointConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled                bool   `toml:"enabled"`
	Address                string `toml:"address"`
	Port                   int    `toml:"port"`
	CollectIntervalSeconds int    `toml:"collect_interval_seconds"`
	AuthToken              string `toml:"auth_token"` // Bearer token for /status and /checkpoint
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Postgres   PostgresConfiguration   `toml:"postgres"`
	Console    ConsoleConfiguration    `toml:"console"`
	Broker     BrokerConfiguration     `toml:"broker"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Filter     FilterConfiguration     `toml:"filter"`
	Retry      RetryConfiguration      `toml:"retry"`
	Relay      RelayConfiguration      `toml:"relay"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "", "Path to configuration file")
	ConnectionFlag  = flag.String("connection", "", "PostgreSQL connection string (overrides config)")
	SlotFlag        = flag.String("slot", "", "Replication slot name (overrides config)")
	PublicationFlag = flag.String("publication", "", "Publication name (overrides config)")
	FormatFlag      = flag.String("format", "", "Console output format: json, json-pretty or text (overrides config)")
	OutputsFlag     = flag.String("outputs", "", "Comma separated outputs: console, broker, http (overrides config)")
	CreateSlotFlag  = flag.Bool("create-slot", false, "Create the replication slot if it does not exist")
	VerboseFlag     = flag.Bool("verbose", false, "Enable debug logging")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./pgrelay-data",

	Postgres: PostgresConfiguration{
		PollIntervalMS: 100,
		FetchLimit:     0,
		ConnectTimeout: 10,
	},

	Console: ConsoleConfiguration{
		Format: "json",
	},

	Broker: BrokerConfiguration{
		Transport:      TransportNATS,
		Addresses:      []string{"nats://127.0.0.1:4222"},
		Stream:         "postgres_replication",
		SubjectPrefix:  "postgres",
		Format:         "json",
		StreamReplicas: 1,
		ConnectTimeout: 5,
	},

	HTTP: HTTPConfiguration{
		BatchSize:      500,
		TimeoutSeconds: 30,
		MaxRetries:     3,
	},

	Retry: RetryConfiguration{
		MaxRetries:     3,
		InitialDelayMS: 100,
		MaxDelayMS:     30000,
		Multiplier:     2.0,
	},

	Relay: RelayConfiguration{
		Outputs:         OutputConsole,
		OnDeliveryError: OnErrorStop,
	},

	Checkpoint: CheckpointConfiguration{
		Enabled: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:                false,
		Address:                "0.0.0.0",
		Port:                   9187,
		CollectIntervalSeconds: 5,
	},
}

func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	applyFlags()

	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Debug().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if Config.Checkpoint.Enabled {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

func applyFlags() {
	if *ConnectionFlag != "" {
		Config.Postgres.Connection = *ConnectionFlag
	}
	if *SlotFlag != "" {
		Config.Postgres.Slot = *SlotFlag
	}
	if *PublicationFlag != "" {
		Config.Postgres.Publication = *PublicationFlag
	}
	if *FormatFlag != "" {
		Config.Console.Format = *FormatFlag
	}
	if *OutputsFlag != "" {
		Config.Relay.Outputs = *OutputsFlag
	}
	if *CreateSlotFlag {
		Config.Postgres.CreateSlot = true
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}
}

func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("pgrelay")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Outputs returns the configured output kinds, lower-cased, without blanks
// or duplicates
func Outputs() []string {
	return SplitList(strings.ToLower(Config.Relay.Outputs))
}

// SplitList splits a comma separated list, trimming blanks
func SplitList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

func Validate() error {
	if Config.Postgres.Connection == "" {
		return fmt.Errorf("postgres connection string is required")
	}

	if Config.Postgres.Slot == "" {
		return fmt.Errorf("replication slot name is required")
	}

	if Config.Postgres.Publication == "" {
		return fmt.Errorf("publication name is required")
	}

	if Config.Postgres.PollIntervalMS < 1 {
		return fmt.Errorf("poll interval must be >= 1ms")
	}

	if Config.Postgres.FetchLimit < 0 {
		return fmt.Errorf("fetch limit must be >= 0")
	}

	outputs := Outputs()
	if len(outputs) == 0 {
		return fmt.Errorf("at least one output is required")
	}

	for _, output := range outputs {
		switch output {
		case OutputConsole:
			if err := validateConsole(); err != nil {
				return err
			}
		case OutputBroker:
			if err := validateBroker(); err != nil {
				return err
			}
		case OutputHTTP:
			if err := validateHTTP(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown output: %s (valid: console, broker, http)", output)
		}
	}

	switch Config.Relay.OnDeliveryError {
	case OnErrorStop, OnErrorContinue:
	default:
		return fmt.Errorf("invalid on_delivery_error: %s", Config.Relay.OnDeliveryError)
	}

	if Config.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max retries must be >= 0")
	}

	if Config.Retry.InitialDelayMS < 0 || Config.Retry.MaxDelayMS < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}

	if Config.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}

func validateConsole() error {
	switch strings.ToLower(Config.Console.Format) {
	case "json", "json-pretty", "text":
		return nil
	default:
		return fmt.Errorf("unknown output format: %s (valid: json, json-pretty, text)", Config.Console.Format)
	}
}

func validateBroker() error {
	switch Config.Broker.Transport {
	case TransportNATS, TransportKafka:
	default:
		return fmt.Errorf("invalid broker transport: %s", Config.Broker.Transport)
	}

	if len(Config.Broker.Addresses) == 0 {
		return fmt.Errorf("broker requires at least one address")
	}

	if Config.Broker.SubjectPrefix == "" {
		return fmt.Errorf("broker subject prefix is required")
	}

	if Config.Broker.Transport == TransportNATS && Config.Broker.Stream == "" {
		return fmt.Errorf("broker stream name is required for nats")
	}

	switch Config.Broker.Format {
	case "json", "debezium":
	default:
		return fmt.Errorf("invalid broker format: %s", Config.Broker.Format)
	}

	return nil
}

func validateHTTP() error {
	if Config.HTTP.BaseURL == "" {
		return fmt.Errorf("http base_url is required")
	}

	if Config.HTTP.Pipeline == "" {
		return fmt.Errorf("http pipeline is required")
	}

	if Config.HTTP.BatchSize < 1 {
		return fmt.Errorf("http batch size must be >= 1")
	}

	if Config.HTTP.TimeoutSeconds < 1 {
		return fmt.Errorf("http timeout must be >= 1 second")
	}

	if Config.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http max retries must be >= 0")
	}

	return nil
}

// GetPositionLogPath returns the pebble directory for the position log
func GetPositionLogPath() string {
	return path.Join(Config.DataDir, "positions")
}
