package sink

import (
	"testing"
	"time"

	"github.com/maxpert/pgrelay/cfg"
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var factoryTransport = &MockTransport{}

func init() {
	publisher.RegisterTransport("factory-mock", func(cfg.BrokerConfiguration) (publisher.Transport, error) {
		return factoryTransport, nil
	})
}

func factoryConfig(outputs string) *cfg.Configuration {
	return &cfg.Configuration{
		Console: cfg.ConsoleConfiguration{Format: "text"},
		Broker: cfg.BrokerConfiguration{
			Transport:     "factory-mock",
			SubjectPrefix: "postgres",
			Format:        "json",
		},
		HTTP: cfg.HTTPConfiguration{
			BaseURL:        "http://localhost:8080",
			Pipeline:       "orders",
			Tables:         "public_users, public_orders",
			BatchSize:      10,
			TimeoutSeconds: 3,
		},
		Retry: cfg.RetryConfiguration{
			MaxRetries:     2,
			InitialDelayMS: 10,
			MaxDelayMS:     100,
			Multiplier:     2,
		},
		Relay: cfg.RelayConfiguration{Outputs: outputs},
	}
}

func TestBuildAllOutputs(t *testing.T) {
	sinks, err := Build(factoryConfig("Console, broker,http"), pgoutput.NewCatalog())
	require.NoError(t, err)
	require.Len(t, sinks, 3)

	assert.IsType(t, &ConsoleSink{}, sinks[0])
	assert.IsType(t, &publisher.RetrySink{}, sinks[1])
	assert.Equal(t, "broker", sinks[1].Name())

	ingest, ok := sinks[2].(*IngestSink)
	require.True(t, ok)
	assert.Equal(t, 10, ingest.config.BatchSize)
	assert.Equal(t, 3*time.Second, ingest.config.Timeout)
	assert.True(t, ingest.allowed["public_orders"])
	assert.Len(t, ingest.allowed, 2)
}

func TestBuildClosesOnFailure(t *testing.T) {
	factoryTransport.Closed = false

	_, err := Build(factoryConfig("broker,pigeon"), pgoutput.NewCatalog())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pigeon")
	assert.True(t, factoryTransport.Closed)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(factoryConfig(""), pgoutput.NewCatalog())
	assert.Error(t, err)

	config := factoryConfig("console")
	config.Console.Format = "xml"
	_, err = Build(config, pgoutput.NewCatalog())
	assert.Error(t, err)

	config = factoryConfig("broker")
	config.Broker.Format = "avro"
	_, err = Build(config, pgoutput.NewCatalog())
	assert.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy(cfg.RetryConfiguration{MaxRetries: 4, InitialDelayMS: 100, MaxDelayMS: 2000, Multiplier: 1.5})
	assert.Equal(t, publisher.RetryPolicy{
		MaxRetries: 4,
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 1.5,
	}, policy)
}
