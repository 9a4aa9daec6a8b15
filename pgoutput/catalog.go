package pgoutput

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// RelationInfo is the last announced definition of a relation.
// Values handed out by the Catalog are shared and must not be modified.
type RelationInfo struct {
	Schema  string
	Table   string
	Columns []Column
}

// Catalog maps relation ids to their current definition.
//
// Entries are stored as immutable values: Put copies the column slice and
// replaces the whole entry, so a concurrent Get observes either the previous
// or the new definition, never a mix. Entries are never evicted.
type Catalog struct {
	relations *xsync.MapOf[uint32, RelationInfo]
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		relations: xsync.NewMapOf[uint32, RelationInfo](),
	}
}

// Put records the definition of a relation, replacing any previous one
func (c *Catalog) Put(relationID uint32, schema, table string, columns []Column) {
	cols := make([]Column, len(columns))
	copy(cols, columns)

	c.relations.Store(relationID, RelationInfo{
		Schema:  schema,
		Table:   table,
		Columns: cols,
	})
}

// Get returns the current definition of a relation
func (c *Catalog) Get(relationID uint32) (RelationInfo, bool) {
	return c.relations.Load(relationID)
}

// Len returns the number of known relations
func (c *Catalog) Len() int {
	return c.relations.Size()
}
