package sink

import (
	"context"
	"fmt"

	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/publisher"
	"github.com/rs/zerolog/log"
)

// BrokerSink serializes changes with a Transformer and publishes them
// through a Transport, one subject per table and operation
type BrokerSink struct {
	prefix      string
	transformer publisher.Transformer
	transport   publisher.Transport

	// In-flight change kept across redeliveries of the same change, so a
	// stateful transformer sees it exactly once
	pending   pgoutput.Change
	payload   []byte
	published bool
}

// NewBrokerSink creates a broker sink publishing under prefix
func NewBrokerSink(prefix string, transformer publisher.Transformer, transport publisher.Transport) (*BrokerSink, error) {
	if prefix == "" {
		return nil, fmt.Errorf("broker sink requires a subject prefix")
	}
	if transformer == nil || transport == nil {
		return nil, fmt.Errorf("broker sink requires a transformer and a transport")
	}

	return &BrokerSink{
		prefix:      prefix,
		transformer: transformer,
		transport:   transport,
	}, nil
}

func (b *BrokerSink) Name() string {
	return "broker"
}

// Deliver publishes change to its subject keyed by table. Deletes are
// followed by a tombstone when the format defines one.
//
// A failed change is remembered: delivering the same change again reuses
// its payload and skips a message that was already published.
func (b *BrokerSink) Deliver(ctx context.Context, change pgoutput.Change) error {
	subject, err := publisher.Subject(b.prefix, change)
	if err != nil {
		return err
	}

	if b.pending != change {
		payload, err := b.transformer.Transform(change)
		if err != nil {
			return fmt.Errorf("failed to transform %s: %w", change.Kind(), err)
		}
		b.pending, b.payload, b.published = change, payload, false
	}

	key := publisher.PartitionKey(change)
	if !b.published {
		if err := b.transport.Publish(ctx, subject, key, b.payload); err != nil {
			return err
		}
		b.published = true

		log.Debug().
			Str("subject", subject).
			Str("key", key).
			Int("bytes", len(b.payload)).
			Msg("Published change")
	}

	if _, ok := change.(*pgoutput.Delete); ok {
		if tombstone, ok := b.transformer.Tombstone(key); ok {
			if err := b.transport.Publish(ctx, subject, key, tombstone); err != nil {
				return fmt.Errorf("failed to publish tombstone: %w", err)
			}
		}
	}

	b.pending, b.payload, b.published = nil, nil, false
	return nil
}

func (b *BrokerSink) Close() error {
	return b.transport.Close()
}
