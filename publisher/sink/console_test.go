package sink

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderWith(t *testing.T, format string, changes ...pgoutput.Change) string {
	t.Helper()
	var buf bytes.Buffer
	s, err := NewConsoleSink(&buf, format)
	require.NoError(t, err)
	for _, c := range changes {
		require.NoError(t, s.Deliver(context.Background(), c))
	}
	return buf.String()
}

func TestParseConsoleFormat(t *testing.T) {
	for in, want := range map[string]string{
		"json":        FormatJSON,
		"JSON":        FormatJSON,
		"Json-Pretty": FormatJSONPretty,
		"TEXT":        FormatText,
	} {
		got, err := ParseConsoleFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseConsoleFormat("xml")
	assert.Error(t, err)

	_, err = NewConsoleSink(&bytes.Buffer{}, "yaml")
	assert.Error(t, err)
}

func TestConsoleJSON(t *testing.T) {
	out := renderWith(t, "json",
		&pgoutput.Begin{LSN: "0/1234567", Timestamp: 123456789, XID: 999},
		&pgoutput.Commit{LSN: "0/1234600", Timestamp: 123456790},
	)

	lines := bytes.Split(bytes.TrimRight([]byte(out), "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"Begin":{"lsn":"0/1234567","timestamp":123456789,"xid":999}}`, string(lines[0]))
	assert.JSONEq(t, `{"Commit":{"lsn":"0/1234600","timestamp":123456790}}`, string(lines[1]))
}

func TestConsoleJSONPretty(t *testing.T) {
	out := renderWith(t, "json-pretty", &pgoutput.Commit{LSN: "0/1", Timestamp: 5})

	assert.Contains(t, out, "\n  \"Commit\": {\n")
	assert.JSONEq(t, `{"Commit":{"lsn":"0/1","timestamp":5}}`, out)
}

func TestConsoleText(t *testing.T) {
	out := renderWith(t, "text",
		&pgoutput.Begin{LSN: "0/1234567", Timestamp: 123456789, XID: 999},
		&pgoutput.Relation{
			RelationID: 100,
			Schema:     "public",
			Table:      "users",
			Columns: []pgoutput.Column{
				{Name: "id", TypeID: 23, Flags: 1},
				{Name: "name", TypeID: 1043},
			},
		},
		&pgoutput.Insert{
			RelationID: 100,
			Schema:     "public",
			Table:      "users",
			NewTuple:   pgoutput.Tuple{"name": pgoutput.TextValue("Alice"), "id": pgoutput.TextValue("1")},
		},
		&pgoutput.Update{
			RelationID: 100,
			Schema:     "public",
			Table:      "users",
			NewTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("1"), "name": nil},
		},
		&pgoutput.Update{
			RelationID: 100,
			Schema:     "public",
			Table:      "users",
			OldTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("1")},
			NewTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("2")},
		},
		&pgoutput.Delete{
			RelationID: 100,
			Schema:     "public",
			Table:      "users",
			OldTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("2")},
		},
		&pgoutput.Commit{LSN: "0/1234600", Timestamp: 123456790},
	)

	expected := "BEGIN [LSN: 0/1234567, XID: 999, Time: 123456789]\n" +
		"RELATION [public.users (ID: 100)]\n" +
		"  Columns:\n" +
		"    - id (type_id: 23, flags: 1)\n" +
		"    - name (type_id: 1043, flags: 0)\n" +
		"INSERT into public.users (ID: 100)\n" +
		"  New values:\n" +
		"    id: 1\n" +
		"    name: Alice\n" +
		"UPDATE public.users (ID: 100)\n" +
		"  New values:\n" +
		"    id: 1\n" +
		"    name: NULL\n" +
		"UPDATE public.users (ID: 100)\n" +
		"  Old values:\n" +
		"    id: 1\n" +
		"  New values:\n" +
		"    id: 2\n" +
		"DELETE from public.users (ID: 100)\n" +
		"  Old values:\n" +
		"    id: 2\n" +
		"COMMIT [LSN: 0/1234600, Time: 123456790]\n"

	assert.Equal(t, expected, out)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestConsoleWriteError(t *testing.T) {
	s, err := NewConsoleSink(failingWriter{}, "json")
	require.NoError(t, err)

	err = s.Deliver(context.Background(), &pgoutput.Commit{LSN: "0/1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, "console", s.Name())
	assert.NoError(t, s.Close())
}
