// Package pgoutput decodes PostgreSQL pgoutput logical replication messages
// (protocol version 1) into typed change events.
//
// Row-change messages carry only a relation id. Column names and the
// schema/table pair are resolved against a Catalog that is populated by
// Relation messages seen earlier on the same stream, so a Decoder must see
// messages in upstream order.
package pgoutput

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a Change variant
type Kind string

const (
	KindBegin    Kind = "begin"
	KindCommit   Kind = "commit"
	KindRelation Kind = "relation"
	KindInsert   Kind = "insert"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
)

// Change is one decoded replication event. The set of implementations is
// closed: *Begin, *Commit, *Relation, *Insert, *Update and *Delete.
type Change interface {
	Kind() Kind
	isChange()
}

// Tuple maps column names to text values. A nil value is SQL NULL.
type Tuple map[string]*string

// TextValue returns a pointer to s, for building tuples by hand
func TextValue(s string) *string {
	return &s
}

// Column describes one column announced by a Relation message
type Column struct {
	Name   string `json:"name"`
	TypeID uint32 `json:"type_id"`
	Flags  uint8  `json:"flags"`
}

// Begin marks the start of a transaction
type Begin struct {
	LSN       string `json:"lsn"`
	Timestamp int64  `json:"timestamp"`
	XID       uint32 `json:"xid"`
}

// Commit marks the end of a transaction
type Commit struct {
	LSN       string `json:"lsn"`
	Timestamp int64  `json:"timestamp"`
}

// Relation announces (or re-announces) the schema of a table
type Relation struct {
	RelationID uint32   `json:"relation_id"`
	Schema     string   `json:"schema"`
	Table      string   `json:"table"`
	Columns    []Column `json:"columns"`
}

type Insert struct {
	RelationID uint32 `json:"relation_id"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	NewTuple   Tuple  `json:"new_tuple"`
}

// Update carries the new row image and, depending on the table's replica
// identity, the old one. OldTuple is nil when the upstream did not send it.
type Update struct {
	RelationID uint32 `json:"relation_id"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	OldTuple   Tuple  `json:"old_tuple"`
	NewTuple   Tuple  `json:"new_tuple"`
}

type Delete struct {
	RelationID uint32 `json:"relation_id"`
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	OldTuple   Tuple  `json:"old_tuple"`
}

func (*Begin) Kind() Kind    { return KindBegin }
func (*Commit) Kind() Kind   { return KindCommit }
func (*Relation) Kind() Kind { return KindRelation }
func (*Insert) Kind() Kind   { return KindInsert }
func (*Update) Kind() Kind   { return KindUpdate }
func (*Delete) Kind() Kind   { return KindDelete }

func (*Begin) isChange()    {}
func (*Commit) isChange()   {}
func (*Relation) isChange() {}
func (*Insert) isChange()   {}
func (*Update) isChange()   {}
func (*Delete) isChange()   {}

// ChangeLSN returns the LSN carried by Begin and Commit, or "" for every
// other variant
func ChangeLSN(c Change) string {
	switch v := c.(type) {
	case *Begin:
		return v.LSN
	case *Commit:
		return v.LSN
	default:
		return ""
	}
}

// Target returns the schema and table a table-scoped change refers to.
// ok is false for transaction markers.
func Target(c Change) (schema, table string, ok bool) {
	switch v := c.(type) {
	case *Relation:
		return v.Schema, v.Table, true
	case *Insert:
		return v.Schema, v.Table, true
	case *Update:
		return v.Schema, v.Table, true
	case *Delete:
		return v.Schema, v.Table, true
	default:
		return "", "", false
	}
}

// variantName is the key used by the externally tagged JSON representation
func variantName(c Change) (string, error) {
	switch c.(type) {
	case *Begin:
		return "Begin", nil
	case *Commit:
		return "Commit", nil
	case *Relation:
		return "Relation", nil
	case *Insert:
		return "Insert", nil
	case *Update:
		return "Update", nil
	case *Delete:
		return "Delete", nil
	case nil:
		return "", fmt.Errorf("nil change")
	default:
		return "", fmt.Errorf("unsupported change type %T", c)
	}
}

// MarshalChange encodes c as {"<Variant>": {...fields}}
func MarshalChange(c Change) ([]byte, error) {
	name, err := variantName(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]Change{name: c})
}

// MarshalChangeIndent is MarshalChange with two-space indentation
func MarshalChangeIndent(c Change) ([]byte, error) {
	name, err := variantName(c)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(map[string]Change{name: c}, "", "  ")
}

// UnmarshalChange decodes the representation produced by MarshalChange
func UnmarshalChange(data []byte) (Change, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode change envelope: %w", err)
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("change envelope must have exactly one variant, got %d", len(envelope))
	}

	for name, raw := range envelope {
		var c Change
		switch name {
		case "Begin":
			c = &Begin{}
		case "Commit":
			c = &Commit{}
		case "Relation":
			c = &Relation{}
		case "Insert":
			c = &Insert{}
		case "Update":
			c = &Update{}
		case "Delete":
			c = &Delete{}
		default:
			return nil, fmt.Errorf("unknown change variant %q", name)
		}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("failed to decode %s change: %w", name, err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("empty change envelope")
}
