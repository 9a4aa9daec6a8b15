package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPollInterval is the idle delay between fetches that return nothing
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultFetchTimeout bounds a single slot fetch
	DefaultFetchTimeout = 30 * time.Second
)

// StreamConfig configures a Stream
type StreamConfig struct {
	PollInterval time.Duration // Idle delay after an empty fetch
	FetchTimeout time.Duration // Upper bound for one fetch, independent of shutdown
}

// Stream is a pull-based change feed over an Upstream. Fetched messages are
// decoded in upstream order into a FIFO buffer and handed out one at a time
// by Next.
//
// Next, MarkProcessed and Drain must be called from a single consumer
// goroutine. Position accessors and Buffered are safe to call concurrently.
type Stream struct {
	upstream Upstream
	decoder  *pgoutput.Decoder
	config   StreamConfig

	mu            sync.Mutex
	buffer        []pgoutput.Change
	lastReceived  string
	lastProcessed string
}

// NewStream creates a stream reading from upstream through decoder
func NewStream(upstream Upstream, decoder *pgoutput.Decoder, config StreamConfig) *Stream {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}

	return &Stream{
		upstream: upstream,
		decoder:  decoder,
		config:   config,
	}
}

// Next returns the next change. Buffered changes are returned without any
// I/O. Otherwise the upstream is polled until it yields at least one
// decodable message; empty fetches are retried after PollInterval for as
// long as ctx allows.
//
// A decode failure aborts the call. Changes decoded earlier in the same
// batch stay buffered.
func (s *Stream) Next(ctx context.Context) (pgoutput.Change, error) {
	if c, ok := s.pop(); ok {
		return c, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		rows, err := s.fetch(ctx)
		telemetry.FetchDurationSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.FetchesTotal.With("failed").Inc()
			return nil, err
		}

		if len(rows) == 0 {
			telemetry.FetchesTotal.With("empty").Inc()
			if !sleep(ctx, s.config.PollInterval) {
				return nil, ctx.Err()
			}
			continue
		}

		telemetry.FetchesTotal.With("rows").Inc()
		telemetry.RowsPerFetch.Observe(float64(len(rows)))

		if err := s.decodeBatch(rows); err != nil {
			return nil, err
		}

		if c, ok := s.pop(); ok {
			return c, nil
		}
		// Only ignored message types in this batch, fetch again right away
	}
}

// fetch runs one slot query that shutdown does not interrupt. Cancelling a
// pgx query closes the connection, and the fetched rows are already
// consumed from the slot, so they are buffered and drained instead.
func (s *Stream) fetch(ctx context.Context) ([]RawChange, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.FetchTimeout)
	defer cancel()
	return s.upstream.FetchChanges(fetchCtx)
}

func (s *Stream) decodeBatch(rows []RawChange) error {
	for _, row := range rows {
		s.mu.Lock()
		s.lastReceived = row.LSN
		s.mu.Unlock()

		change, err := s.decoder.Decode(row.Data)
		if err != nil {
			telemetry.DecodeErrorsTotal.Inc()
			log.Error().
				Err(err).
				Str("lsn", row.LSN).
				Int("length", len(row.Data)).
				Msg("Failed to decode replication message")
			return fmt.Errorf("decode message at %s: %w", row.LSN, err)
		}
		if change == nil {
			continue
		}

		telemetry.ChangesDecodedTotal.With(string(change.Kind())).Inc()

		s.mu.Lock()
		s.buffer = append(s.buffer, change)
		s.mu.Unlock()
	}

	telemetry.CatalogRelations.Set(float64(s.decoder.Catalog().Len()))
	return nil
}

func (s *Stream) pop() (pgoutput.Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return nil, false
	}

	c := s.buffer[0]
	s.buffer[0] = nil
	s.buffer = s.buffer[1:]
	if len(s.buffer) == 0 {
		s.buffer = nil
	}
	return c, true
}

// Drain removes and returns every buffered change
func (s *Stream) Drain() []pgoutput.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := s.buffer
	s.buffer = nil
	return drained
}

// Buffered returns the number of decoded changes not yet handed out
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// MarkProcessed records lsn as fully dispatched. Bookkeeping only, the slot
// already advanced when the change was fetched.
func (s *Stream) MarkProcessed(lsn string) {
	s.mu.Lock()
	s.lastProcessed = lsn
	s.mu.Unlock()
}

// LastReceivedLSN returns the LSN of the last row returned by the upstream
func (s *Stream) LastReceivedLSN() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReceived, s.lastReceived != ""
}

// LastProcessedLSN returns the last LSN passed to MarkProcessed
func (s *Stream) LastProcessedLSN() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessed, s.lastProcessed != ""
}

// Status queries the upstream for the slot state
func (s *Stream) Status(ctx context.Context) (SlotStatus, error) {
	return s.upstream.SlotStatus(ctx)
}

// Catalog returns the relation catalog fed by this stream
func (s *Stream) Catalog() *pgoutput.Catalog {
	return s.decoder.Catalog()
}

// Close closes the upstream
func (s *Stream) Close(ctx context.Context) error {
	return s.upstream.Close(ctx)
}

// sleep waits for d or until ctx is done. Returns true if the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
