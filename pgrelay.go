package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maxpert/pgrelay/cfg"
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/publisher"
	"github.com/maxpert/pgrelay/publisher/sink"
	"github.com/maxpert/pgrelay/relay"
	"github.com/maxpert/pgrelay/replication"
	"github.com/maxpert/pgrelay/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Setup logging. Stdout belongs to the console sink.
	var writer io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("pgrelay - PostgreSQL logical replication streamer")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Replication stopped")
	}
	log.Info().Msg("pgrelay stopped")
}

func run(ctx context.Context) error {
	pg := cfg.Config.Postgres

	log.Info().
		Str("slot", pg.Slot).
		Str("publication", pg.Publication).
		Msg("Connecting to PostgreSQL")

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(pg.ConnectTimeout+5)*time.Second)
	upstream, err := replication.Connect(connectCtx, replication.PgConfig{
		Connection:     pg.Connection,
		Slot:           pg.Slot,
		Publication:    pg.Publication,
		FetchLimit:     pg.FetchLimit,
		ConnectTimeout: time.Duration(pg.ConnectTimeout) * time.Second,
	})
	cancel()
	if err != nil {
		return err
	}

	if pg.CreateSlot {
		created, err := upstream.CreateSlot(ctx)
		if err != nil {
			upstream.Close(context.Background())
			return fmt.Errorf("failed to create replication slot: %w", err)
		}
		if created {
			log.Info().Str("slot", pg.Slot).Msg("Created replication slot")
		} else {
			log.Info().Str("slot", pg.Slot).Msg("Replication slot already exists")
		}
	}

	catalog := pgoutput.NewCatalog()
	stream := replication.NewStream(upstream, pgoutput.NewDecoder(catalog), replication.StreamConfig{
		PollInterval: time.Duration(pg.PollIntervalMS) * time.Millisecond,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := stream.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close upstream connection")
		}
	}()

	if status, err := stream.Status(ctx); err == nil {
		log.Info().
			Str("confirmed_flush_lsn", status.ConfirmedFlushLSN).
			Str("restart_lsn", status.RestartLSN).
			Bool("active", status.Active).
			Msg("Replication slot found")
	} else {
		log.Warn().Err(err).Str("slot", pg.Slot).Msg("Failed to read replication slot status")
	}

	sinks, err := sink.Build(cfg.Config, catalog)
	if err != nil {
		return err
	}

	var filter publisher.Filter
	if len(cfg.Config.Filter.Tables) > 0 || len(cfg.Config.Filter.Schemas) > 0 {
		glob, err := publisher.NewGlobFilter(cfg.Config.Filter.Tables, cfg.Config.Filter.Schemas)
		if err != nil {
			closeSinks(sinks)
			return fmt.Errorf("invalid filter: %w", err)
		}
		filter = glob
	}

	var positions *publisher.PositionLog
	if cfg.Config.Checkpoint.Enabled {
		positions, err = publisher.NewPositionLog(cfg.Config.DataDir)
		if err != nil {
			closeSinks(sinks)
			return err
		}
		defer positions.Close()
		logCheckpoint(positions)
	}

	// Telemetry endpoints and position sampling
	if cfg.Config.Prometheus.Enabled {
		serverConfig := telemetry.ServerConfig{
			Address:   cfg.Config.Prometheus.Address,
			Port:      cfg.Config.Prometheus.Port,
			AuthToken: cfg.Config.Prometheus.AuthToken,
			Positions: stream,
			Catalog:   catalog,
		}
		if positions != nil {
			serverConfig.Checkpoints = positions
		}
		server := telemetry.NewServer(serverConfig)
		if err := server.Start(); err != nil {
			closeSinks(sinks)
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()

		collector := telemetry.NewPositionCollector(stream, catalog,
			time.Duration(cfg.Config.Prometheus.CollectIntervalSeconds)*time.Second)
		collector.Start()
		defer collector.Stop()
	}

	dispatcher, err := publisher.NewDispatcher(publisher.DispatcherConfig{
		Sinks:     sinks,
		Filter:    filter,
		Positions: positions,
	})
	if err != nil {
		closeSinks(sinks)
		return err
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close outputs")
		}
	}()

	relayConfig := relay.Config{OnDeliveryError: cfg.Config.Relay.OnDeliveryError}
	if positions != nil {
		relayConfig.Checkpoints = positions
	}
	r := relay.New(stream, dispatcher, relayConfig)

	log.Info().
		Str("outputs", sinkNames(sinks)).
		Str("on_delivery_error", cfg.Config.Relay.OnDeliveryError).
		Dur("poll_interval", time.Duration(pg.PollIntervalMS)*time.Millisecond).
		Msg("Streaming changes")

	runErr := r.Run(ctx)

	stats := r.Stats()
	event := log.Info().
		Uint64("delivered", stats.Delivered).
		Uint64("failed", stats.Failed)
	if lsn, ok := stream.LastReceivedLSN(); ok {
		event = event.Str("last_received_lsn", lsn)
	}
	if lsn, ok := stream.LastProcessedLSN(); ok {
		event = event.Str("last_processed_lsn", lsn)
	}
	event.Msg("Replication loop finished")

	statusCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if status, err := stream.Status(statusCtx); err == nil {
		log.Info().
			Str("confirmed_flush_lsn", status.ConfirmedFlushLSN).
			Str("restart_lsn", status.RestartLSN).
			Bool("active", status.Active).
			Msg("Final replication slot status")
	} else {
		log.Warn().Err(err).Msg("Failed to read final replication slot status")
	}

	return runErr
}

func logCheckpoint(positions *publisher.PositionLog) {
	lsn, ok, err := positions.ProcessedLSN()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read checkpoint")
		return
	}

	event := log.Info().Uint64("last_seq", positions.LastSeq())
	if ok {
		event = event.Str("processed_lsn", lsn)
	}
	for name, cursor := range positions.Cursors() {
		if cursor < positions.LastSeq() {
			log.Warn().
				Str("sink", name).
				Uint64("cursor", cursor).
				Uint64("last_seq", positions.LastSeq()).
				Msg("Output lagged behind before the last shutdown")
		}
	}
	event.Msg("Position log opened")
}

func closeSinks(sinks []publisher.Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Msg("Failed to close sink")
		}
	}
}

func sinkNames(sinks []publisher.Sink) string {
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}
