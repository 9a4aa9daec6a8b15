package transformer

import (
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func(*pgoutput.Catalog) publisher.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer publishes the native externally tagged change representation
type JSONTransformer struct{}

func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{}
}

func (j *JSONTransformer) Transform(change pgoutput.Change) ([]byte, error) {
	return pgoutput.MarshalChange(change)
}

// Tombstone reports no tombstones: a Delete already carries the old row
func (j *JSONTransformer) Tombstone(key string) ([]byte, bool) {
	return nil, false
}
