package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/maxpert/pgrelay/pgoutput"
)

// Console output formats
const (
	FormatJSON       = "json"
	FormatJSONPretty = "json-pretty"
	FormatText       = "text"
)

// ParseConsoleFormat normalizes a console format name (case-insensitive)
func ParseConsoleFormat(s string) (string, error) {
	switch f := strings.ToLower(s); f {
	case FormatJSON, FormatJSONPretty, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format: %s. Valid options: json, json-pretty, text", s)
	}
}

// ConsoleSink writes one rendering per change to a writer (stdout in production)
type ConsoleSink struct {
	out    io.Writer
	format string
	mu     sync.Mutex
}

// NewConsoleSink creates a console sink writing format to out
func NewConsoleSink(out io.Writer, format string) (*ConsoleSink, error) {
	f, err := ParseConsoleFormat(format)
	if err != nil {
		return nil, err
	}
	return &ConsoleSink{out: out, format: f}, nil
}

func (c *ConsoleSink) Name() string {
	return "console"
}

// Deliver renders change and writes it. Fails only when the write fails.
func (c *ConsoleSink) Deliver(_ context.Context, change pgoutput.Change) error {
	var (
		payload []byte
		err     error
	)

	switch c.format {
	case FormatJSONPretty:
		payload, err = pgoutput.MarshalChangeIndent(change)
	case FormatText:
		payload, err = renderText(change)
	default:
		payload, err = pgoutput.MarshalChange(change)
	}
	if err != nil {
		return fmt.Errorf("render %s: %w", change.Kind(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := bufio.NewWriter(c.out)
	w.Write(payload)
	if c.format != FormatText {
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write console output: %w", err)
	}
	return nil
}

func (c *ConsoleSink) Close() error {
	return nil
}

func renderText(change pgoutput.Change) ([]byte, error) {
	var b strings.Builder

	switch v := change.(type) {
	case *pgoutput.Begin:
		fmt.Fprintf(&b, "BEGIN [LSN: %s, XID: %d, Time: %d]\n", v.LSN, v.XID, v.Timestamp)
	case *pgoutput.Commit:
		fmt.Fprintf(&b, "COMMIT [LSN: %s, Time: %d]\n", v.LSN, v.Timestamp)
	case *pgoutput.Relation:
		fmt.Fprintf(&b, "RELATION [%s.%s (ID: %d)]\n", v.Schema, v.Table, v.RelationID)
		b.WriteString("  Columns:\n")
		for _, col := range v.Columns {
			fmt.Fprintf(&b, "    - %s (type_id: %d, flags: %d)\n", col.Name, col.TypeID, col.Flags)
		}
	case *pgoutput.Insert:
		fmt.Fprintf(&b, "INSERT into %s.%s (ID: %d)\n", v.Schema, v.Table, v.RelationID)
		writeTuple(&b, "New values", v.NewTuple)
	case *pgoutput.Update:
		fmt.Fprintf(&b, "UPDATE %s.%s (ID: %d)\n", v.Schema, v.Table, v.RelationID)
		if v.OldTuple != nil {
			writeTuple(&b, "Old values", v.OldTuple)
		}
		writeTuple(&b, "New values", v.NewTuple)
	case *pgoutput.Delete:
		fmt.Fprintf(&b, "DELETE from %s.%s (ID: %d)\n", v.Schema, v.Table, v.RelationID)
		writeTuple(&b, "Old values", v.OldTuple)
	default:
		return nil, fmt.Errorf("unsupported change type %T", change)
	}

	return []byte(b.String()), nil
}

func writeTuple(b *strings.Builder, title string, tuple pgoutput.Tuple) {
	fmt.Fprintf(b, "  %s:\n", title)

	keys := make([]string, 0, len(tuple))
	for k := range tuple {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if v := tuple[k]; v != nil {
			fmt.Fprintf(b, "    %s: %s\n", k, *v)
		} else {
			fmt.Fprintf(b, "    %s: NULL\n", k)
		}
	}
}
