// Package relay runs the read, decode and dispatch loop that moves changes
// from a replication stream to the configured sinks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/maxpert/pgrelay/cfg"
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/rs/zerolog/log"
)

// ChangeSource yields decoded changes in upstream order
type ChangeSource interface {
	// Next blocks until a change is available or ctx is done
	Next(ctx context.Context) (pgoutput.Change, error)
	// Drain removes and returns the changes already decoded but not yet returned
	Drain() []pgoutput.Change
	// MarkProcessed records the LSN of the last change handed to every sink
	MarkProcessed(lsn string)
}

// Deliverer hands a change to the sinks
type Deliverer interface {
	Deliver(ctx context.Context, change pgoutput.Change) error
}

// Checkpointer persists the last processed LSN
type Checkpointer interface {
	MarkProcessed(lsn string) error
}

// Config configures a Relay
type Config struct {
	OnDeliveryError string       // cfg.OnErrorStop (default) or cfg.OnErrorContinue
	Checkpoints     Checkpointer // Optional
}

// Stats counts what a Relay has done
type Stats struct {
	Delivered uint64
	Failed    uint64
}

// Relay moves changes from a ChangeSource to a Deliverer, one at a time
type Relay struct {
	source    ChangeSource
	deliverer Deliverer
	config    Config

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a relay
func New(source ChangeSource, deliverer Deliverer, config Config) *Relay {
	if config.OnDeliveryError == "" {
		config.OnDeliveryError = cfg.OnErrorStop
	}
	return &Relay{
		source:    source,
		deliverer: deliverer,
		config:    config,
	}
}

// Run loops until ctx is cancelled or an error stops it. Cancellation is
// only observed between changes: a delivery in flight always completes, and
// changes already decoded are delivered before Run returns nil.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return r.drain()
		}

		change, err := r.source.Next(ctx)
		if err != nil {
			// Only the cancellation itself means shutdown, other errors stay fatal
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return r.drain()
			}
			return fmt.Errorf("failed to read change: %w", err)
		}

		if err := r.handle(ctx, change); err != nil {
			return err
		}
	}
}

// Stats returns the current counters
func (r *Relay) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
	}
}

func (r *Relay) handle(ctx context.Context, change pgoutput.Change) error {
	if err := r.deliverer.Deliver(context.WithoutCancel(ctx), change); err != nil {
		r.failed.Add(1)
		if r.config.OnDeliveryError != cfg.OnErrorContinue {
			return fmt.Errorf("failed to deliver %s: %w", change.Kind(), err)
		}

		log.Error().
			Err(err).
			Str("kind", string(change.Kind())).
			Str("lsn", pgoutput.ChangeLSN(change)).
			Msg("Delivery failed, continuing")
	} else {
		r.delivered.Add(1)
	}

	if lsn := pgoutput.ChangeLSN(change); lsn != "" {
		r.source.MarkProcessed(lsn)
		if r.config.Checkpoints != nil {
			if err := r.config.Checkpoints.MarkProcessed(lsn); err != nil {
				log.Warn().Err(err).Str("lsn", lsn).Msg("Failed to persist processed LSN")
			}
		}
	}

	return nil
}

func (r *Relay) drain() error {
	pending := r.source.Drain()
	if len(pending) == 0 {
		return nil
	}

	log.Info().Int("changes", len(pending)).Msg("Delivering buffered changes before shutdown")
	for _, change := range pending {
		if err := r.handle(context.Background(), change); err != nil {
			return err
		}
	}
	return nil
}
