package pgoutput

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// reader walks a single message buffer. Every read is bounds checked and
// reports ErrTruncated instead of slicing past the end.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	if r.pos >= len(r.data) {
		return 0
	}
	return len(r.data) - r.pos
}

func (r *reader) need(n int, field string) error {
	if n < 0 || r.remaining() < n {
		return fmt.Errorf("%w: %s needs %d bytes at offset %d, %d remaining",
			ErrTruncated, field, n, r.pos, r.remaining())
	}
	return nil
}

func (r *reader) readByte(field string) (byte, error) {
	if err := r.need(1, field); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint16(field string) (uint16, error) {
	if err := r.need(2, field); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) readUint32(field string) (uint32, error) {
	if err := r.need(4, field); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readUint64(field string) (uint64, error) {
	if err := r.need(8, field); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) readInt64(field string) (int64, error) {
	v, err := r.readUint64(field)
	return int64(v), err
}

func (r *reader) skip(n int, field string) error {
	if err := r.need(n, field); err != nil {
		return err
	}
	r.pos += n
	return nil
}

// readText reads n bytes and converts them to a string, replacing invalid
// UTF-8 sequences with U+FFFD
func (r *reader) readText(n int, field string) (string, error) {
	if err := r.need(n, field); err != nil {
		return "", err
	}
	s := lossyString(r.data[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

// readCString reads up to the next zero byte (or the end of the buffer) and
// advances past the terminator
func (r *reader) readCString() string {
	start := r.pos
	if start > len(r.data) {
		return ""
	}
	end := start
	for end < len(r.data) && r.data[end] != 0 {
		end++
	}
	r.pos = end + 1
	return lossyString(r.data[start:end])
}

func lossyString(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
