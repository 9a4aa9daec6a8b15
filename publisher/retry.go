package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed deliveries
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// RetryPolicy configures exponential backoff around a sink
type RetryPolicy struct {
	MaxRetries int           // Retries after the first attempt (0 = no retries)
	Initial    time.Duration // Initial retry delay
	Max        time.Duration // Max retry delay
	Multiplier float64       // Backoff multiplier
}

// RetrySink retries failed deliveries of the wrapped sink
type RetrySink struct {
	sink   Sink
	policy RetryPolicy
}

// WithRetry wraps sink so failed deliveries are retried with exponential
// backoff. A policy with no retries returns sink unchanged. The sink sees
// the same change again on every attempt.
func WithRetry(sink Sink, policy RetryPolicy) Sink {
	if policy.MaxRetries <= 0 {
		return sink
	}
	if policy.Initial <= 0 {
		policy.Initial = DefaultRetryInitial
	}
	if policy.Max <= 0 {
		policy.Max = DefaultRetryMax
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = DefaultRetryMultiplier
	}

	return &RetrySink{sink: sink, policy: policy}
}

func (r *RetrySink) Name() string {
	return r.sink.Name()
}

// Deliver delivers with exponential backoff retry. Returns the last error
// once retries are exhausted or ctx is done.
func (r *RetrySink) Deliver(ctx context.Context, change pgoutput.Change) error {
	delay := r.policy.Initial
	attempts := 0

	for {
		err := r.sink.Deliver(ctx, change)
		if err == nil {
			return nil
		}

		attempts++
		if attempts > r.policy.MaxRetries {
			return fmt.Errorf("exhausted %d retries: %w", r.policy.MaxRetries, err)
		}

		telemetry.SinkRetriesTotal.With(r.sink.Name()).Inc()
		log.Warn().
			Err(err).
			Str("sink", r.sink.Name()).
			Str("kind", string(change.Kind())).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to deliver change, retrying")

		if !sleepCtx(ctx, delay) {
			return fmt.Errorf("retry aborted: %w", err)
		}

		delay = time.Duration(float64(delay) * r.policy.Multiplier)
		if delay > r.policy.Max {
			delay = r.policy.Max
		}
	}
}

func (r *RetrySink) Close() error {
	return r.sink.Close()
}

// sleepCtx sleeps for the given duration, checking ctx.
// Returns true if sleep completed, false if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
