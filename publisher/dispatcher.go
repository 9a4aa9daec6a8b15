package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/telemetry"
	"github.com/rs/zerolog/log"
)

// SinkError is the failure of a single sink
type SinkError struct {
	Sink string
	Err  error
}

func (e SinkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Sink, e.Err)
}

func (e SinkError) Unwrap() error {
	return e.Err
}

// DeliveryError reports a dispatch where at least one sink failed. Sinks
// that succeeded are counted, never hidden.
type DeliveryError struct {
	Failures  []SinkError
	Succeeded int
}

func (e *DeliveryError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("delivery failed for %d sink(s), %d succeeded: %s",
		len(e.Failures), e.Succeeded, strings.Join(parts, "; "))
}

// Unwrap exposes every sink error to errors.Is and errors.As
func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Sinks     []Sink       // Destinations, may be empty
	Filter    Filter       // Optional table filter
	Positions *PositionLog // Optional per-sink progress log
}

// Dispatcher fans each change out to every sink
type Dispatcher struct {
	sinks     []Sink
	filter    Filter
	positions *PositionLog
}

// NewDispatcher creates a dispatcher. Sink names must be unique.
func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	seen := make(map[string]bool, len(config.Sinks))
	for _, s := range config.Sinks {
		if s == nil {
			return nil, fmt.Errorf("sink is nil")
		}
		if seen[s.Name()] {
			return nil, fmt.Errorf("duplicate sink name %q", s.Name())
		}
		seen[s.Name()] = true
	}

	return &Dispatcher{
		sinks:     config.Sinks,
		filter:    config.Filter,
		positions: config.Positions,
	}, nil
}

// Sinks returns the configured sinks
func (d *Dispatcher) Sinks() []Sink {
	return d.sinks
}

// Deliver sends change to every sink concurrently and waits for all of
// them. It returns nil when every sink succeeded (or there are none) and a
// *DeliveryError otherwise.
func (d *Dispatcher) Deliver(ctx context.Context, change pgoutput.Change) error {
	if len(d.sinks) == 0 {
		return nil
	}

	if d.filter != nil {
		if schema, table, ok := pgoutput.Target(change); ok && !d.filter.Match(schema, table) {
			telemetry.FilteredChangesTotal.Inc()
			log.Debug().
				Str("schema", schema).
				Str("table", table).
				Str("kind", string(change.Kind())).
				Msg("Change filtered out")
			return nil
		}
	}

	var seq uint64
	if d.positions != nil {
		var err error
		if seq, err = d.positions.RecordChange(change); err != nil {
			log.Warn().Err(err).Str("lsn", pgoutput.ChangeLSN(change)).Msg("Failed to record position")
		}
	}

	futures := make([]*future.Future[error], len(d.sinks))
	for i, s := range d.sinks {
		futures[i] = deliverAsync(ctx, s, change)
	}

	var failures []SinkError
	for i, fut := range futures {
		_, err := fut.Get()
		name := d.sinks[i].Name()
		if err != nil {
			failures = append(failures, SinkError{Sink: name, Err: err})
			continue
		}

		if seq != 0 {
			if err := d.positions.AdvanceCursor(name, seq); err != nil {
				log.Warn().Err(err).Str("sink", name).Uint64("seq", seq).Msg("Failed to advance sink cursor")
			}
		}
	}

	if len(failures) == 0 {
		return nil
	}

	telemetry.DispatchFailuresTotal.Inc()
	return &DeliveryError{
		Failures:  failures,
		Succeeded: len(d.sinks) - len(failures),
	}
}

func deliverAsync(ctx context.Context, s Sink, change pgoutput.Change) *future.Future[error] {
	p := future.NewPromise[error]()

	go func() {
		start := time.Now()
		err := s.Deliver(ctx, change)
		telemetry.SinkDeliverySeconds.With(s.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			telemetry.SinkDeliveriesTotal.With(s.Name(), "failed").Inc()
		} else {
			telemetry.SinkDeliveriesTotal.With(s.Name(), "success").Inc()
		}
		p.Set(nil, err)
	}()

	return p.Future()
}

// Close closes every sink and joins their errors
func (d *Dispatcher) Close() error {
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("Failed to close sink")
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
