package publisher

import (
	"context"

	"github.com/maxpert/pgrelay/pgoutput"
)

// Sink represents a destination for decoded changes (console, broker, HTTP)
type Sink interface {
	// Name identifies the sink in logs, metrics and the position log
	Name() string
	// Deliver hands one change to the sink. Implementations must not modify
	// the change, it is shared with every other sink.
	Deliver(ctx context.Context, change pgoutput.Change) error
	// Close flushes pending work and releases any resources held by the sink
	Close() error
}

// Transformer converts changes to sink-specific payloads
type Transformer interface {
	// Transform converts a change to bytes for publishing
	Transform(change pgoutput.Change) ([]byte, error)
	// Tombstone returns the marker published after a delete for key. ok is
	// false when the format has no tombstones. A nil payload is a null-value
	// record (log compaction).
	Tombstone(key string) (payload []byte, ok bool)
}

// Filter determines whether a table-scoped change should be delivered
type Filter interface {
	// Match returns true if the change should be delivered
	Match(schema, table string) bool
}
