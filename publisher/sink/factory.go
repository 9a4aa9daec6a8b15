package sink

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/maxpert/pgrelay/cfg"
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/publisher"
	"github.com/rs/zerolog/log"

	// Registers the json and debezium payload formats
	_ "github.com/maxpert/pgrelay/publisher/transformer"
)

// Build creates one sink per configured output kind. On failure every sink
// built so far is closed.
func Build(config *cfg.Configuration, catalog *pgoutput.Catalog) ([]publisher.Sink, error) {
	var sinks []publisher.Sink

	fail := func(err error) ([]publisher.Sink, error) {
		for _, s := range sinks {
			if cerr := s.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("sink", s.Name()).Msg("Failed to close sink")
			}
		}
		return nil, err
	}

	outputs := cfg.SplitList(strings.ToLower(config.Relay.Outputs))
	if len(outputs) == 0 {
		return nil, fmt.Errorf("at least one output is required")
	}

	for _, output := range outputs {
		var (
			s   publisher.Sink
			err error
		)

		switch output {
		case cfg.OutputConsole:
			s, err = NewConsoleSink(os.Stdout, config.Console.Format)
		case cfg.OutputBroker:
			s, err = buildBroker(config, catalog)
		case cfg.OutputHTTP:
			s, err = buildIngest(config)
		default:
			err = fmt.Errorf("unknown output: %s (valid: console, broker, http)", output)
		}
		if err != nil {
			return fail(fmt.Errorf("failed to build %s output: %w", output, err))
		}

		log.Info().Str("sink", s.Name()).Msg("Output enabled")
		sinks = append(sinks, s)
	}

	return sinks, nil
}

func buildBroker(config *cfg.Configuration, catalog *pgoutput.Catalog) (publisher.Sink, error) {
	transformer, err := publisher.NewTransformer(config.Broker.Format, catalog)
	if err != nil {
		return nil, err
	}

	transport, err := publisher.NewTransport(config.Broker)
	if err != nil {
		return nil, err
	}

	broker, err := NewBrokerSink(config.Broker.SubjectPrefix, transformer, transport)
	if err != nil {
		transport.Close()
		return nil, err
	}

	return publisher.WithRetry(broker, RetryPolicy(config.Retry)), nil
}

// buildIngest is not wrapped with WithRetry: a failed push has already been
// retried and its batch released, so redelivery would split the transaction
func buildIngest(config *cfg.Configuration) (publisher.Sink, error) {
	return NewIngestSink(IngestConfig{
		BaseURL:      config.HTTP.BaseURL,
		Pipeline:     config.HTTP.Pipeline,
		Tables:       cfg.SplitList(config.HTTP.Tables),
		APIKey:       config.HTTP.APIKey,
		BatchSize:    config.HTTP.BatchSize,
		Timeout:      time.Duration(config.HTTP.TimeoutSeconds) * time.Second,
		Gzip:         config.HTTP.Gzip,
		MaxRetries:   config.HTTP.MaxRetries,
		RetryInitial: time.Duration(config.Retry.InitialDelayMS) * time.Millisecond,
		RetryMax:     time.Duration(config.Retry.MaxDelayMS) * time.Millisecond,
	})
}

// RetryPolicy converts the retry configuration section
func RetryPolicy(config cfg.RetryConfiguration) publisher.RetryPolicy {
	return publisher.RetryPolicy{
		MaxRetries: config.MaxRetries,
		Initial:    time.Duration(config.InitialDelayMS) * time.Millisecond,
		Max:        time.Duration(config.MaxDelayMS) * time.Millisecond,
		Multiplier: config.Multiplier,
	}
}
