package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters changes using glob patterns on schema and table names
type GlobFilter struct {
	tableGlobs  []glob.Glob
	schemaGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(tablePatterns, schemaPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tableGlobs:  make([]glob.Glob, 0, len(tablePatterns)),
		schemaGlobs: make([]glob.Glob, 0, len(schemaPatterns)),
	}

	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.tableGlobs = append(filter.tableGlobs, g)
	}

	for _, pattern := range schemaPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid schema pattern %q: %w", pattern, err)
		}
		filter.schemaGlobs = append(filter.schemaGlobs, g)
	}

	return filter, nil
}

// Match returns true if the schema and table match the configured patterns.
// A dimension with no patterns matches everything.
func (f *GlobFilter) Match(schema, table string) bool {
	return matchAny(f.schemaGlobs, schema) && matchAny(f.tableGlobs, table)
}

// Empty reports whether the filter lets everything through
func (f *GlobFilter) Empty() bool {
	return len(f.schemaGlobs) == 0 && len(f.tableGlobs) == 0
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
