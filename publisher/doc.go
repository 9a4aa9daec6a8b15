// Package publisher delivers decoded replication changes to output sinks.
//
// # Architecture
//
// The publisher package consists of four main components:
//
// 1. Sink: a named destination that accepts one change at a time
// 2. Dispatcher: fans each change out to every sink concurrently
// 3. PositionLog: Pebble-backed record of transaction boundaries and per-sink cursors
// 4. Registry: named transports and transformers used by the broker sink
//
// # Dispatcher
//
// A Dispatcher waits for every sink before returning. A failure in one sink
// never hides the success of another: the returned *DeliveryError lists each
// failing sink and counts the ones that succeeded.
//
//	d, err := NewDispatcher(DispatcherConfig{
//		Sinks:  []Sink{console, broker},
//		Filter: filter,
//	})
//	if err != nil {
//		return err
//	}
//	defer d.Close()
//
//	if err := d.Deliver(ctx, change); err != nil {
//		var de *DeliveryError
//		if errors.As(err, &de) {
//			// de.Failures, de.Succeeded
//		}
//	}
//
// Network sinks are usually wrapped with WithRetry so transient failures are
// retried with exponential backoff before they reach the dispatcher.
//
// # PositionLog
//
// Key prefixes:
//
//	/poslog/{seq:016x}       -> msgpack(PositionRecord)
//	/poscursor/{sinkName}    -> uint64 (cursor)
//	/posseq                  -> uint64 (last sequence)
//	/posdone                 -> last processed LSN
//
// Only Begin and Commit are recorded. Cleanup runs every 128 sequence
// numbers and deletes records below the minimum cursor across all sinks.
//
// # Filters
//
// GlobFilter selects table-scoped changes by schema and table pattern.
// Transaction markers always pass:
//
//	filter, err := NewGlobFilter(
//		[]string{"users", "orders*"}, // table patterns
//		[]string{"public"},           // schema patterns
//	)
package publisher
