// Package transformer provides implementations of the publisher.Transformer interface
// for converting decoded changes to broker payload formats.
package transformer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/publisher"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterTransformer("debezium", func(catalog *pgoutput.Catalog) publisher.Transformer {
		return NewDebeziumTransformer(catalog)
	})
}

// Microseconds between the Unix epoch and the PostgreSQL epoch (2000-01-01)
const pgEpochUnixMicros = 946684800 * 1000000

// PostgreSQL type OIDs with a non-string Debezium mapping
const (
	oidBool   = 16
	oidInt8   = 20
	oidInt2   = 21
	oidInt4   = 23
	oidOID    = 26
	oidFloat4 = 700
	oidFloat8 = 701
)

// Relation column flag marking a replica identity column
const columnFlagKey = 1

// DebeziumTransformer transforms changes to Debezium JSON with Schema format.
// It implements the Debezium message format with both schema and payload sections,
// compatible with Debezium consumers like Kafka Connect and stream processing systems.
//
// The transformer:
//   - Generates Debezium-compatible JSON messages with embedded schema
//   - Caches table schemas per relation until the relation is redefined
//   - Maps PostgreSQL type OIDs from the catalog to Debezium types
//   - Supports INSERT ("c"), UPDATE ("u"), and DELETE ("d") operations
//   - Emits BEGIN/END transaction metadata for Begin and Commit
//
// Row events carry the xid and LSN of the enclosing transaction, so a
// transformer must see changes in stream order.
type DebeziumTransformer struct {
	connectorName string
	catalog       *pgoutput.Catalog
	schemaCache   sync.Map // relation id -> *debeziumEnvelopeSchema

	mu  sync.Mutex
	txn debeziumTxn
}

// debeziumTxn is the transaction currently being published
type debeziumTxn struct {
	xid    uint32
	lsn    string
	ts     int64
	events int
	open   bool
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer(catalog *pgoutput.Catalog) *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "pgrelay",
		catalog:       catalog,
	}
}

// debeziumEnvelopeSchema represents the cached schema structure
type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     interface{}           `json:"type"` // string or nested struct
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload *debeziumPayload        `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Op     string                 `json:"op"`
	TsMs   int64                  `json:"ts_ms"`
	Source debeziumSource         `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      uint32 `json:"txId"`
	LSN       uint64 `json:"lsn"`
}

type debeziumTransaction struct {
	Status     string `json:"status"`
	ID         string `json:"id"`
	EventCount *int   `json:"event_count"`
	TsMs       int64  `json:"ts_ms"`
}

// Transform converts a change to Debezium JSON
func (d *DebeziumTransformer) Transform(change pgoutput.Change) ([]byte, error) {
	switch c := change.(type) {
	case *pgoutput.Begin:
		return d.beginTxn(c)
	case *pgoutput.Commit:
		return d.endTxn(c)
	case *pgoutput.Relation:
		d.schemaCache.Delete(c.RelationID)
		return json.Marshal(debeziumMessage{
			Schema: d.getOrBuildSchema(c.RelationID, c.Schema, c.Table),
		})
	case *pgoutput.Insert:
		return d.rowMessage(c.RelationID, c.Schema, c.Table, "c", nil, c.NewTuple)
	case *pgoutput.Update:
		return d.rowMessage(c.RelationID, c.Schema, c.Table, "u", c.OldTuple, c.NewTuple)
	case *pgoutput.Delete:
		return d.rowMessage(c.RelationID, c.Schema, c.Table, "d", c.OldTuple, nil)
	default:
		return nil, fmt.Errorf("unsupported change type %T", change)
	}
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) ([]byte, bool) {
	return nil, true
}

func (d *DebeziumTransformer) beginTxn(c *pgoutput.Begin) ([]byte, error) {
	d.mu.Lock()
	d.txn = debeziumTxn{xid: c.XID, lsn: c.LSN, ts: c.Timestamp, open: true}
	d.mu.Unlock()

	return json.Marshal(debeziumTransaction{
		Status: "BEGIN",
		ID:     transactionID(c.XID, c.LSN),
		TsMs:   toUnixMillis(c.Timestamp),
	})
}

func (d *DebeziumTransformer) endTxn(c *pgoutput.Commit) ([]byte, error) {
	d.mu.Lock()
	txn := d.txn
	d.txn = debeziumTxn{}
	d.mu.Unlock()

	id := c.LSN
	if txn.open {
		id = transactionID(txn.xid, txn.lsn)
	}
	events := txn.events

	return json.Marshal(debeziumTransaction{
		Status:     "END",
		ID:         id,
		EventCount: &events,
		TsMs:       toUnixMillis(c.Timestamp),
	})
}

func (d *DebeziumTransformer) rowMessage(relationID uint32, schema, table, op string, before, after pgoutput.Tuple) ([]byte, error) {
	d.mu.Lock()
	d.txn.events++
	txn := d.txn
	d.mu.Unlock()

	source := debeziumSource{
		Connector: d.connectorName,
		Schema:    schema,
		Table:     table,
	}

	tsMs := time.Now().UnixMilli()
	if txn.open {
		source.TxID = txn.xid
		tsMs = toUnixMillis(txn.ts)
		if lsn, err := pgoutput.ParseLSN(txn.lsn); err == nil {
			source.LSN = lsn
		}
	}

	types := d.columnTypes(relationID)

	message := debeziumMessage{
		Schema: d.getOrBuildSchema(relationID, schema, table),
		Payload: &debeziumPayload{
			Before: convertRow(before, types),
			After:  convertRow(after, types),
			Op:     op,
			TsMs:   tsMs,
			Source: source,
		},
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func (d *DebeziumTransformer) columnTypes(relationID uint32) map[string]uint32 {
	if d.catalog == nil {
		return nil
	}
	rel, ok := d.catalog.Get(relationID)
	if !ok {
		return nil
	}

	types := make(map[string]uint32, len(rel.Columns))
	for _, col := range rel.Columns {
		types[col.Name] = col.TypeID
	}
	return types
}

// getOrBuildSchema retrieves or builds the envelope schema for a relation
func (d *DebeziumTransformer) getOrBuildSchema(relationID uint32, schema, table string) *debeziumEnvelopeSchema {
	if cached, ok := d.schemaCache.Load(relationID); ok {
		return cached.(*debeziumEnvelopeSchema)
	}

	var columns []pgoutput.Column
	if d.catalog != nil {
		if rel, ok := d.catalog.Get(relationID); ok {
			columns = rel.Columns
		} else {
			log.Debug().Uint32("relation_id", relationID).Msg("Relation not in catalog, building empty value schema")
		}
	}

	envelopeSchema := d.buildEnvelopeSchema(schema, table, columns)
	d.schemaCache.Store(relationID, envelopeSchema)
	return envelopeSchema
}

// buildEnvelopeSchema constructs the Debezium envelope schema
func (d *DebeziumTransformer) buildEnvelopeSchema(schema, table string, columns []pgoutput.Column) *debeziumEnvelopeSchema {
	valueSchemaName := schema + "." + table + ".Value"
	envelopeName := schema + "." + table + ".Envelope"

	columnFields := make([]debeziumSchemaField, len(columns))
	for i, col := range columns {
		columnFields[i] = debeziumSchemaField{
			Field:    col.Name,
			Type:     mapPostgresType(col.TypeID),
			Optional: col.Flags&columnFlagKey == 0,
		}
	}

	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: envelopeName,
		Fields: []debeziumSchemaField{
			{
				Field:    "before",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field:    "after",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columnFields,
			},
			{
				Field: "op",
				Type:  "string",
			},
			{
				Field: "ts_ms",
				Type:  "int64",
			},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.pgrelay.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "schema", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "txId", Type: "int64"},
					{Field: "lsn", Type: "int64"},
				},
			},
		},
	}
}

// mapPostgresType maps a PostgreSQL type OID to a Debezium type. Anything
// without a native JSON counterpart (numeric, timestamps, bytea, json) is
// kept as its text form.
func mapPostgresType(oid uint32) string {
	switch oid {
	case oidBool:
		return "boolean"
	case oidInt2:
		return "int16"
	case oidInt4:
		return "int32"
	case oidInt8, oidOID:
		return "int64"
	case oidFloat4:
		return "float"
	case oidFloat8:
		return "double"
	default:
		return "string"
	}
}

// convertRow converts text values to typed JSON values. Values that do not
// parse as their declared type are kept as text.
func convertRow(row pgoutput.Tuple, types map[string]uint32) map[string]interface{} {
	if row == nil {
		return nil
	}

	result := make(map[string]interface{}, len(row))
	for col, v := range row {
		if v == nil {
			result[col] = nil
			continue
		}
		result[col] = convertValue(*v, types[col])
	}
	return result
}

func convertValue(text string, oid uint32) interface{} {
	switch mapPostgresType(oid) {
	case "boolean":
		switch text {
		case "t":
			return true
		case "f":
			return false
		}
	case "int16", "int32", "int64":
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n
		}
	case "float", "double":
		if f, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return text
}

func transactionID(xid uint32, lsn string) string {
	return fmt.Sprintf("%d:%s", xid, lsn)
}

// toUnixMillis converts a pgoutput timestamp (microseconds since 2000-01-01)
func toUnixMillis(pgMicros int64) int64 {
	return (pgMicros + pgEpochUnixMicros) / 1000
}
