package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		InstanceID: 1,
		DataDir:    "./test-data",
		Postgres: PostgresConfiguration{
			Connection:     "host=localhost user=postgres dbname=test",
			Slot:           "test_slot",
			Publication:    "test_pub",
			PollIntervalMS: 100,
		},
		Console: ConsoleConfiguration{
			Format: "json",
		},
		Broker: BrokerConfiguration{
			Transport:     TransportNATS,
			Addresses:     []string{"nats://127.0.0.1:4222"},
			Stream:        "postgres_replication",
			SubjectPrefix: "postgres",
			Format:        "json",
		},
		HTTP: HTTPConfiguration{
			BaseURL:        "http://localhost:8080",
			Pipeline:       "orders",
			BatchSize:      100,
			TimeoutSeconds: 5,
		},
		Retry: RetryConfiguration{
			MaxRetries:     3,
			InitialDelayMS: 100,
			MaxDelayMS:     1000,
			Multiplier:     2,
		},
		Relay: RelayConfiguration{
			Outputs:         OutputConsole,
			OnDeliveryError: OnErrorStop,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Relay.Outputs = "console, broker ,http"

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_MissingPostgresSettings(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	mutations := map[string]func(c *Configuration){
		"connection":    func(c *Configuration) { c.Postgres.Connection = "" },
		"slot":          func(c *Configuration) { c.Postgres.Slot = "" },
		"publication":   func(c *Configuration) { c.Postgres.Publication = "" },
		"poll interval": func(c *Configuration) { c.Postgres.PollIntervalMS = 0 },
		"fetch limit":   func(c *Configuration) { c.Postgres.FetchLimit = -1 },
	}

	for name, mutate := range mutations {
		Config = validConfig()
		mutate(Config)

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid %s", name)
		}
	}
}

func TestValidate_RequiresOutput(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, outputs := range []string{"", " , ,"} {
		Config = validConfig()
		Config.Relay.Outputs = outputs

		err := Validate()
		if err == nil {
			t.Errorf("Expected error for outputs %q", outputs)
			continue
		}
		if !strings.Contains(err.Error(), "at least one output") {
			t.Errorf("Unexpected error: %v", err)
		}
	}
}

func TestValidate_UnknownOutput(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Relay.Outputs = "console,carrier-pigeon"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown output")
	}
}

func TestValidate_ConsoleFormat(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, format := range []string{"json", "JSON", "json-pretty", "Text"} {
		Config = validConfig()
		Config.Console.Format = format
		if err := Validate(); err != nil {
			t.Errorf("Expected format %s to be valid, got: %v", format, err)
		}
	}

	Config = validConfig()
	Config.Console.Format = "xml"
	if err := Validate(); err == nil {
		t.Error("Expected error for unknown console format")
	}
}

func TestValidate_Broker(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	mutations := map[string]func(c *Configuration){
		"transport": func(c *Configuration) { c.Broker.Transport = "amqp" },
		"addresses": func(c *Configuration) { c.Broker.Addresses = nil },
		"prefix":    func(c *Configuration) { c.Broker.SubjectPrefix = "" },
		"stream":    func(c *Configuration) { c.Broker.Stream = "" },
		"format":    func(c *Configuration) { c.Broker.Format = "avro" },
	}

	for name, mutate := range mutations {
		Config = validConfig()
		Config.Relay.Outputs = OutputBroker
		mutate(Config)

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid broker %s", name)
		}
	}

	// Kafka has no stream
	Config = validConfig()
	Config.Relay.Outputs = OutputBroker
	Config.Broker.Transport = TransportKafka
	Config.Broker.Stream = ""
	if err := Validate(); err != nil {
		t.Errorf("Expected kafka without stream to be valid, got: %v", err)
	}
}

func TestValidate_HTTP(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	mutations := map[string]func(c *Configuration){
		"base url":   func(c *Configuration) { c.HTTP.BaseURL = "" },
		"pipeline":   func(c *Configuration) { c.HTTP.Pipeline = "" },
		"batch size": func(c *Configuration) { c.HTTP.BatchSize = 0 },
		"timeout":    func(c *Configuration) { c.HTTP.TimeoutSeconds = 0 },
		"retries":    func(c *Configuration) { c.HTTP.MaxRetries = -1 },
	}

	for name, mutate := range mutations {
		Config = validConfig()
		Config.Relay.Outputs = OutputHTTP
		mutate(Config)

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid http %s", name)
		}
	}
}

func TestValidate_DeliveryPolicyAndRetry(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Relay.OnDeliveryError = "ignore"
	if err := Validate(); err == nil {
		t.Error("Expected error for invalid delivery policy")
	}

	Config = validConfig()
	Config.Retry.Multiplier = 0.5
	if err := Validate(); err == nil {
		t.Error("Expected error for retry multiplier below 1")
	}

	Config = validConfig()
	Config.Prometheus = PrometheusConfiguration{Enabled: true, Port: 70000}
	if err := Validate(); err == nil {
		t.Error("Expected error for invalid prometheus port")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" console,broker,, console ,http ")
	want := []string{"console", "broker", "http"}

	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
		}
	}

	if SplitList("") != nil {
		t.Error("Expected nil for empty list")
	}
}

func TestLoad_FileAndCLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "pgrelay.toml")
	content := `
instance_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(tempDir, "data")) + `"

[postgres]
connection = "host=db"
slot = "file_slot"
publication = "file_pub"
poll_interval_ms = 250

[relay]
outputs = "console"

[checkpoint]
enabled = true
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	*SlotFlag = "flag_slot"
	*OutputsFlag = "console,http"
	*CreateSlotFlag = true
	defer func() {
		*SlotFlag = ""
		*OutputsFlag = ""
		*CreateSlotFlag = false
	}()

	Config = validConfig()
	Config.InstanceID = 0

	if err := Load(configPath); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.InstanceID != 42 {
		t.Errorf("Expected instance ID 42, got %d", Config.InstanceID)
	}
	if Config.Postgres.Connection != "host=db" {
		t.Errorf("Expected connection from file, got %s", Config.Postgres.Connection)
	}
	if Config.Postgres.Slot != "flag_slot" {
		t.Errorf("Expected slot from flag, got %s", Config.Postgres.Slot)
	}
	if Config.Postgres.PollIntervalMS != 250 {
		t.Errorf("Expected poll interval 250, got %d", Config.Postgres.PollIntervalMS)
	}
	if !Config.Postgres.CreateSlot {
		t.Error("Expected create slot from flag")
	}
	if got := Outputs(); len(got) != 2 || got[1] != OutputHTTP {
		t.Errorf("Expected outputs from flag, got %v", got)
	}
	if _, err := os.Stat(Config.DataDir); err != nil {
		t.Errorf("Data directory was not created: %v", err)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.Postgres.Slot != "test_slot" {
		t.Errorf("Expected defaults to be kept, got slot %s", Config.Postgres.Slot)
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
