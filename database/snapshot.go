package database

import (
	"reflect"
	"sort"
)

// Snapshot is a point-in-time view of the schema under management: every
// table with its columns and indexes, as read live from the store. A
// snapshot is recomputed on demand and never mutated after being handed out,
// only replaced by a fresh one.
type Snapshot struct {
	Tables map[string]Table
}

type Table struct {
	Columns map[string]Column
	Indexes map[string]struct{}
}

// Column carries the metadata conditions can reason about. Type strings are
// store-specific and compared verbatim.
type Column struct {
	Type     string
	Nullable bool
}

func NewSnapshot() *Snapshot {
	return &Snapshot{Tables: make(map[string]Table)}
}

// AddTable registers an empty table. Adding a table twice is a no-op.
func (s *Snapshot) AddTable(name string) {
	if _, ok := s.Tables[name]; ok {
		return
	}
	s.Tables[name] = Table{
		Columns: make(map[string]Column),
		Indexes: make(map[string]struct{}),
	}
}

// AddColumn records a column, creating the table if the driver reports
// columns before tables.
func (s *Snapshot) AddColumn(table, column string, col Column) {
	s.AddTable(table)
	s.Tables[table].Columns[column] = col
}

// AddIndex records an index on table.
func (s *Snapshot) AddIndex(table, index string) {
	s.AddTable(table)
	s.Tables[table].Indexes[index] = struct{}{}
}

func (s *Snapshot) RemoveTable(name string) {
	delete(s.Tables, name)
}

func (s *Snapshot) HasTable(table string) bool {
	_, ok := s.Tables[table]
	return ok
}

func (s *Snapshot) HasColumn(table, column string) bool {
	t, ok := s.Tables[table]
	if !ok {
		return false
	}
	_, ok = t.Columns[column]
	return ok
}

func (s *Snapshot) HasIndex(table, index string) bool {
	t, ok := s.Tables[table]
	if !ok {
		return false
	}
	_, ok = t.Indexes[index]
	return ok
}

// TableNames returns the table names in lexical order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for n := range s.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy. Used by in-memory drivers to stage
// transactional changes without touching the committed snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for name, t := range s.Tables {
		c.AddTable(name)
		for col, meta := range t.Columns {
			c.Tables[name].Columns[col] = meta
		}
		for idx := range t.Indexes {
			c.Tables[name].Indexes[idx] = struct{}{}
		}
	}
	return c
}

// Equal reports whether two snapshots describe the same table, column and
// index sets, including column metadata.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return reflect.DeepEqual(s.Tables, other.Tables)
}
