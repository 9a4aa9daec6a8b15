package transformer

import (
	"encoding/json"
	"testing"

	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usersRelation = 16384

func usersCatalog() *pgoutput.Catalog {
	catalog := pgoutput.NewCatalog()
	catalog.Put(usersRelation, "public", "users", []pgoutput.Column{
		{Name: "id", TypeID: oidInt8, Flags: columnFlagKey},
		{Name: "name", TypeID: 25},
		{Name: "age", TypeID: oidInt4},
		{Name: "active", TypeID: oidBool},
		{Name: "score", TypeID: oidFloat8},
		{Name: "balance", TypeID: 1700},
	})
	return catalog
}

func decodeJSON(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	return result
}

func TestDebeziumTransformer_Transform_Insert(t *testing.T) {
	transformer := NewDebeziumTransformer(usersCatalog())

	_, err := transformer.Transform(&pgoutput.Begin{LSN: "0/1234567", Timestamp: 1000000, XID: 999})
	require.NoError(t, err)

	data, err := transformer.Transform(&pgoutput.Insert{
		RelationID: usersRelation,
		Schema:     "public",
		Table:      "users",
		NewTuple: pgoutput.Tuple{
			"id":      pgoutput.TextValue("1"),
			"name":    pgoutput.TextValue("Alice"),
			"age":     pgoutput.TextValue("30"),
			"active":  pgoutput.TextValue("t"),
			"score":   pgoutput.TextValue("9.5"),
			"balance": pgoutput.TextValue("10.00"),
		},
	})
	require.NoError(t, err)

	result := decodeJSON(t, data)

	// Verify schema
	schemaMap := result["schema"].(map[string]interface{})
	assert.Equal(t, "struct", schemaMap["type"])
	assert.Equal(t, "public.users.Envelope", schemaMap["name"])

	fields := schemaMap["fields"].([]interface{})
	assert.Len(t, fields, 5) // before, after, op, ts_ms, source

	// Verify payload
	payload := result["payload"].(map[string]interface{})
	assert.Nil(t, payload["before"])
	assert.Equal(t, "c", payload["op"])
	assert.Equal(t, float64(946684801000), payload["ts_ms"])

	after := payload["after"].(map[string]interface{})
	assert.Equal(t, float64(1), after["id"])
	assert.Equal(t, "Alice", after["name"])
	assert.Equal(t, float64(30), after["age"])
	assert.Equal(t, true, after["active"])
	assert.Equal(t, 9.5, after["score"])
	assert.Equal(t, "10.00", after["balance"])

	source := payload["source"].(map[string]interface{})
	assert.Equal(t, "pgrelay", source["connector"])
	assert.Equal(t, "public", source["schema"])
	assert.Equal(t, "users", source["table"])
	assert.Equal(t, float64(999), source["txId"])
	assert.Equal(t, float64(0x1234567), source["lsn"])
}

func TestDebeziumTransformer_Transform_Update(t *testing.T) {
	transformer := NewDebeziumTransformer(usersCatalog())

	data, err := transformer.Transform(&pgoutput.Update{
		RelationID: usersRelation,
		Schema:     "public",
		Table:      "users",
		OldTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("1")},
		NewTuple: pgoutput.Tuple{
			"id":   pgoutput.TextValue("1"),
			"name": pgoutput.TextValue("Alice Updated"),
		},
	})
	require.NoError(t, err)

	payload := decodeJSON(t, data)["payload"].(map[string]interface{})
	assert.Equal(t, "u", payload["op"])

	before := payload["before"].(map[string]interface{})
	assert.Equal(t, float64(1), before["id"])

	after := payload["after"].(map[string]interface{})
	assert.Equal(t, "Alice Updated", after["name"])
}

func TestDebeziumTransformer_Transform_Delete(t *testing.T) {
	transformer := NewDebeziumTransformer(usersCatalog())

	data, err := transformer.Transform(&pgoutput.Delete{
		RelationID: usersRelation,
		Schema:     "public",
		Table:      "users",
		OldTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("7"), "name": nil},
	})
	require.NoError(t, err)

	payload := decodeJSON(t, data)["payload"].(map[string]interface{})
	assert.Equal(t, "d", payload["op"])
	assert.Nil(t, payload["after"])

	before := payload["before"].(map[string]interface{})
	assert.Equal(t, float64(7), before["id"])
	assert.Contains(t, before, "name")
	assert.Nil(t, before["name"])
}

func TestDebeziumTransformer_TransactionMetadata(t *testing.T) {
	transformer := NewDebeziumTransformer(usersCatalog())

	data, err := transformer.Transform(&pgoutput.Begin{LSN: "0/10", XID: 42})
	require.NoError(t, err)

	begin := decodeJSON(t, data)
	assert.Equal(t, "BEGIN", begin["status"])
	assert.Equal(t, "42:0/10", begin["id"])
	assert.Nil(t, begin["event_count"])

	for i := 0; i < 3; i++ {
		_, err := transformer.Transform(&pgoutput.Insert{
			RelationID: usersRelation,
			Schema:     "public",
			Table:      "users",
			NewTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("1")},
		})
		require.NoError(t, err)
	}

	data, err = transformer.Transform(&pgoutput.Commit{LSN: "0/20"})
	require.NoError(t, err)

	end := decodeJSON(t, data)
	assert.Equal(t, "END", end["status"])
	assert.Equal(t, "42:0/10", end["id"])
	assert.Equal(t, float64(3), end["event_count"])
}

func TestDebeziumTransformer_CommitWithoutBegin(t *testing.T) {
	transformer := NewDebeziumTransformer(nil)

	data, err := transformer.Transform(&pgoutput.Commit{LSN: "0/20"})
	require.NoError(t, err)

	end := decodeJSON(t, data)
	assert.Equal(t, "0/20", end["id"])
	assert.Equal(t, float64(0), end["event_count"])
}

func TestDebeziumTransformer_SchemaTypesAndOptional(t *testing.T) {
	transformer := NewDebeziumTransformer(usersCatalog())

	data, err := transformer.Transform(&pgoutput.Insert{
		RelationID: usersRelation,
		Schema:     "public",
		Table:      "users",
		NewTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("1")},
	})
	require.NoError(t, err)

	fields := decodeJSON(t, data)["schema"].(map[string]interface{})["fields"].([]interface{})
	after := fields[1].(map[string]interface{})
	assert.Equal(t, "public.users.Value", after["name"])

	columns := after["fields"].([]interface{})
	require.Len(t, columns, 6)

	types := map[string]string{}
	optional := map[string]bool{}
	for _, c := range columns {
		col := c.(map[string]interface{})
		types[col["field"].(string)] = col["type"].(string)
		opt, _ := col["optional"].(bool)
		optional[col["field"].(string)] = opt
	}

	assert.Equal(t, map[string]string{
		"id":      "int64",
		"name":    "string",
		"age":     "int32",
		"active":  "boolean",
		"score":   "double",
		"balance": "string",
	}, types)
	assert.False(t, optional["id"])
	assert.True(t, optional["name"])
}

func TestDebeziumTransformer_RelationRefreshesSchema(t *testing.T) {
	catalog := usersCatalog()
	transformer := NewDebeziumTransformer(catalog)

	insert := &pgoutput.Insert{
		RelationID: usersRelation,
		Schema:     "public",
		Table:      "users",
		NewTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("1")},
	}

	_, err := transformer.Transform(insert)
	require.NoError(t, err)

	// Redefine with a single column
	columns := []pgoutput.Column{{Name: "id", TypeID: oidInt8, Flags: columnFlagKey}}
	catalog.Put(usersRelation, "public", "users", columns)

	data, err := transformer.Transform(&pgoutput.Relation{
		RelationID: usersRelation,
		Schema:     "public",
		Table:      "users",
		Columns:    columns,
	})
	require.NoError(t, err)

	relation := decodeJSON(t, data)
	assert.Nil(t, relation["payload"])

	data, err = transformer.Transform(insert)
	require.NoError(t, err)

	fields := decodeJSON(t, data)["schema"].(map[string]interface{})["fields"].([]interface{})
	assert.Len(t, fields[1].(map[string]interface{})["fields"], 1)
}

func TestDebeziumTransformer_UnparseableValuesStayText(t *testing.T) {
	assert.Equal(t, "NaN", convertValue("NaN", oidFloat8))
	assert.Equal(t, "Infinity", convertValue("Infinity", oidFloat4))
	assert.Equal(t, "99999999999999999999", convertValue("99999999999999999999", oidInt8))
	assert.Equal(t, "maybe", convertValue("maybe", oidBool))
	assert.Equal(t, false, convertValue("f", oidBool))
	assert.Equal(t, int64(-5), convertValue("-5", oidInt2))
}

func TestDebeziumTransformer_UnknownRelation(t *testing.T) {
	transformer := NewDebeziumTransformer(pgoutput.NewCatalog())

	data, err := transformer.Transform(&pgoutput.Insert{
		RelationID: 1,
		Schema:     "public",
		Table:      "ghost",
		NewTuple:   pgoutput.Tuple{"id": pgoutput.TextValue("1")},
	})
	require.NoError(t, err)

	// Without types every value is text
	after := decodeJSON(t, data)["payload"].(map[string]interface{})["after"].(map[string]interface{})
	assert.Equal(t, "1", after["id"])
}

func TestDebeziumTransformer_Tombstone(t *testing.T) {
	transformer := NewDebeziumTransformer(nil)

	payload, ok := transformer.Tombstone("public.users")
	assert.True(t, ok)
	assert.Nil(t, payload)
}

func TestToUnixMillis(t *testing.T) {
	assert.Equal(t, int64(946684800000), toUnixMillis(0))
	assert.Equal(t, int64(946684800123), toUnixMillis(123456))
}
