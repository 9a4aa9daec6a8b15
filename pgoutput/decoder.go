package pgoutput

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var (
	// ErrTruncated is returned when a message ends before a field it declares
	ErrTruncated = errors.New("truncated pgoutput message")
	// ErrUnexpectedMarker is returned for an invalid tuple or value marker byte
	ErrUnexpectedMarker = errors.New("unexpected pgoutput marker")
	// ErrUnknownRelation is returned for a row change whose relation was never announced
	ErrUnknownRelation = errors.New("relation not found in catalog")
)

// Message tags
const (
	tagBegin    = 'B'
	tagCommit   = 'C'
	tagRelation = 'R'
	tagInsert   = 'I'
	tagUpdate   = 'U'
	tagDelete   = 'D'
	tagOrigin   = 'O'
	tagType     = 'T'
	tagTruncate = 'Y'
)

// Tuple kind markers
const (
	tupleNew = 'N'
	tupleKey = 'K'
	tupleOld = 'O'
)

// Column value markers
const (
	valueNull      = 'n'
	valueUnchanged = 'u'
	valueText      = 't'
)

// Decoder turns raw pgoutput messages into Changes. Its only state is the
// injected Catalog, which it updates on every Relation message.
type Decoder struct {
	catalog *Catalog
}

// NewDecoder creates a decoder bound to catalog
func NewDecoder(catalog *Catalog) *Decoder {
	return &Decoder{catalog: catalog}
}

// Catalog returns the relation catalog used by the decoder
func (d *Decoder) Catalog() *Catalog {
	return d.catalog
}

// Decode decodes exactly one message. It returns (nil, nil) for empty
// buffers and for message types that are recognized but not supported
// (origin, type, truncate) or unknown.
func (d *Decoder) Decode(data []byte) (Change, error) {
	if len(data) == 0 {
		return nil, nil
	}

	r := &reader{data: data, pos: 1}

	switch tag := data[0]; tag {
	case tagBegin:
		return decodeBegin(r)
	case tagCommit:
		return decodeCommit(r)
	case tagRelation:
		return d.decodeRelation(r)
	case tagInsert:
		return d.decodeInsert(r)
	case tagUpdate:
		return d.decodeUpdate(r)
	case tagDelete:
		return d.decodeDelete(r)
	case tagOrigin, tagType, tagTruncate:
		return nil, nil
	default:
		log.Debug().
			Str("tag", string(rune(tag))).
			Int("length", len(data)).
			Msg("Skipping unknown pgoutput message type")
		return nil, nil
	}
}

func decodeBegin(r *reader) (Change, error) {
	lsn, err := r.readUint64("begin lsn")
	if err != nil {
		return nil, err
	}
	ts, err := r.readInt64("begin timestamp")
	if err != nil {
		return nil, err
	}
	xid, err := r.readUint32("begin xid")
	if err != nil {
		return nil, err
	}

	return &Begin{
		LSN:       FormatLSN(lsn),
		Timestamp: ts,
		XID:       xid,
	}, nil
}

// decodeCommit reads flags(1) lsn(8) end_lsn(8) timestamp(8)
func decodeCommit(r *reader) (Change, error) {
	if err := r.skip(1, "commit flags"); err != nil {
		return nil, err
	}
	lsn, err := r.readUint64("commit lsn")
	if err != nil {
		return nil, err
	}
	if err := r.skip(8, "commit end lsn"); err != nil {
		return nil, err
	}
	ts, err := r.readInt64("commit timestamp")
	if err != nil {
		return nil, err
	}

	return &Commit{
		LSN:       FormatLSN(lsn),
		Timestamp: ts,
	}, nil
}

func (d *Decoder) decodeRelation(r *reader) (Change, error) {
	relationID, err := r.readUint32("relation id")
	if err != nil {
		return nil, err
	}

	schema := r.readCString()
	table := r.readCString()

	if err := r.skip(1, "replica identity"); err != nil {
		return nil, err
	}

	count, err := r.readUint16("column count")
	if err != nil {
		return nil, err
	}

	columns := make([]Column, 0, count)
	for i := 0; i < int(count); i++ {
		flags, err := r.readByte("column flags")
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		name := r.readCString()
		typeID, err := r.readUint32("column type id")
		if err != nil {
			return nil, fmt.Errorf("column %d (%s): %w", i, name, err)
		}
		if err := r.skip(4, "column type modifier"); err != nil {
			return nil, fmt.Errorf("column %d (%s): %w", i, name, err)
		}

		columns = append(columns, Column{
			Name:   name,
			TypeID: typeID,
			Flags:  flags,
		})
	}

	// Only a fully parsed definition reaches the catalog
	d.catalog.Put(relationID, schema, table, columns)

	return &Relation{
		RelationID: relationID,
		Schema:     schema,
		Table:      table,
		Columns:    columns,
	}, nil
}

func (d *Decoder) decodeInsert(r *reader) (Change, error) {
	relationID, err := r.readUint32("relation id")
	if err != nil {
		return nil, err
	}

	marker, err := r.readByte("tuple kind")
	if err != nil {
		return nil, err
	}
	if marker != tupleNew {
		return nil, fmt.Errorf("%w: insert expects 'N' tuple, got %q", ErrUnexpectedMarker, rune(marker))
	}

	rel, err := d.lookup(relationID)
	if err != nil {
		return nil, err
	}

	newTuple, err := decodeTuple(r, rel)
	if err != nil {
		return nil, fmt.Errorf("insert into %s.%s: %w", rel.Schema, rel.Table, err)
	}

	return &Insert{
		RelationID: relationID,
		Schema:     rel.Schema,
		Table:      rel.Table,
		NewTuple:   newTuple,
	}, nil
}

func (d *Decoder) decodeUpdate(r *reader) (Change, error) {
	relationID, err := r.readUint32("relation id")
	if err != nil {
		return nil, err
	}

	marker, err := r.readByte("tuple kind")
	if err != nil {
		return nil, err
	}
	if marker != tupleKey && marker != tupleOld && marker != tupleNew {
		return nil, fmt.Errorf("%w: update expects 'K', 'O' or 'N' tuple, got %q", ErrUnexpectedMarker, rune(marker))
	}

	rel, err := d.lookup(relationID)
	if err != nil {
		return nil, err
	}

	var oldTuple Tuple
	if marker == tupleKey || marker == tupleOld {
		oldTuple, err = decodeTuple(r, rel)
		if err != nil {
			return nil, fmt.Errorf("update %s.%s old tuple: %w", rel.Schema, rel.Table, err)
		}

		next, err := r.readByte("new tuple kind")
		if err != nil {
			return nil, err
		}
		if next != tupleNew {
			return nil, fmt.Errorf("%w: update expects 'N' after old tuple, got %q", ErrUnexpectedMarker, rune(next))
		}
	}

	newTuple, err := decodeTuple(r, rel)
	if err != nil {
		return nil, fmt.Errorf("update %s.%s new tuple: %w", rel.Schema, rel.Table, err)
	}

	return &Update{
		RelationID: relationID,
		Schema:     rel.Schema,
		Table:      rel.Table,
		OldTuple:   oldTuple,
		NewTuple:   newTuple,
	}, nil
}

func (d *Decoder) decodeDelete(r *reader) (Change, error) {
	relationID, err := r.readUint32("relation id")
	if err != nil {
		return nil, err
	}

	marker, err := r.readByte("tuple kind")
	if err != nil {
		return nil, err
	}
	if marker != tupleKey && marker != tupleOld {
		return nil, fmt.Errorf("%w: delete expects 'K' or 'O' tuple, got %q", ErrUnexpectedMarker, rune(marker))
	}

	rel, err := d.lookup(relationID)
	if err != nil {
		return nil, err
	}

	oldTuple, err := decodeTuple(r, rel)
	if err != nil {
		return nil, fmt.Errorf("delete from %s.%s: %w", rel.Schema, rel.Table, err)
	}

	return &Delete{
		RelationID: relationID,
		Schema:     rel.Schema,
		Table:      rel.Table,
		OldTuple:   oldTuple,
	}, nil
}

func (d *Decoder) lookup(relationID uint32) (RelationInfo, error) {
	rel, ok := d.catalog.Get(relationID)
	if !ok {
		return RelationInfo{}, fmt.Errorf("%w: relation id %d", ErrUnknownRelation, relationID)
	}
	return rel, nil
}

// decodeTuple reads a column count followed by one marked value per column.
// Columns beyond the announced definition get positional names.
func decodeTuple(r *reader, rel RelationInfo) (Tuple, error) {
	count, err := r.readUint16("tuple column count")
	if err != nil {
		return nil, err
	}

	tuple := make(Tuple, count)
	for i := 0; i < int(count); i++ {
		name := fmt.Sprintf("column_%d", i)
		if i < len(rel.Columns) {
			name = rel.Columns[i].Name
		}

		marker, err := r.readByte("value kind")
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}

		switch marker {
		case valueNull, valueUnchanged:
			tuple[name] = nil
		case valueText:
			length, err := r.readUint32("value length")
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			text, err := r.readText(int(length), "value")
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			tuple[name] = &text
		default:
			return nil, fmt.Errorf("%w: column %s has value kind %q", ErrUnexpectedMarker, name, rune(marker))
		}
	}

	return tuple, nil
}
