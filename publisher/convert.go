package publisher

import (
	"fmt"

	"github.com/maxpert/pgrelay/pgoutput"
)

// TransactionsSegment is the subject segment used for Begin and Commit
const TransactionsSegment = "transactions"

// Subject builds the routing subject of a change:
//
//	<prefix>.<schema>.<table>.<relation|insert|update|delete>
//	<prefix>.transactions.<begin|commit>.event
func Subject(prefix string, change pgoutput.Change) (string, error) {
	switch change.(type) {
	case *pgoutput.Begin, *pgoutput.Commit:
		return fmt.Sprintf("%s.%s.%s.event", prefix, TransactionsSegment, change.Kind()), nil
	case nil:
		return "", fmt.Errorf("nil change")
	}

	schema, table, ok := pgoutput.Target(change)
	if !ok {
		return "", fmt.Errorf("unsupported change type %T", change)
	}
	return fmt.Sprintf("%s.%s.%s.%s", prefix, schema, table, change.Kind()), nil
}

// PartitionKey groups changes of one table together, and transaction
// markers together, for transports that partition by key
func PartitionKey(change pgoutput.Change) string {
	if schema, table, ok := pgoutput.Target(change); ok {
		return schema + "." + table
	}
	return TransactionsSegment
}

// DestinationID names the ingestion destination of a table
func DestinationID(schema, table string) string {
	return schema + "_" + table
}

// RowImage returns the tuple a row change is keyed by: the new row for
// Insert and Update, the old row for Delete
func RowImage(change pgoutput.Change) (pgoutput.Tuple, bool) {
	switch c := change.(type) {
	case *pgoutput.Insert:
		return c.NewTuple, true
	case *pgoutput.Update:
		return c.NewTuple, true
	case *pgoutput.Delete:
		return c.OldTuple, true
	default:
		return nil, false
	}
}
