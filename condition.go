package evolve

import (
	"fmt"
	"strings"

	"github.com/evolvedb/evolve/database"
)

// Condition is a migration's idempotence guard. Pending reports whether the
// change the condition guards is still absent from the snapshot, i.e.
// whether the forward action needs to run. It is a pure function of the
// snapshot: the ledger is audit state, the schema itself is the source of
// truth, so a database altered outside the tool is still classified
// correctly.
//
// The same condition drives verification: after a forward action Pending
// must flip to false, and after a backward action it must flip back to true.
type Condition interface {
	Pending(snap *database.Snapshot) bool
	String() string
}

type columnAbsent struct {
	table, column string
}

// ColumnAbsent is pending while table lacks column.
func ColumnAbsent(table, column string) Condition {
	return columnAbsent{table, column}
}

func (c columnAbsent) Pending(snap *database.Snapshot) bool {
	return !snap.HasColumn(c.table, c.column)
}

func (c columnAbsent) String() string {
	return fmt.Sprintf("column %s.%s absent", c.table, c.column)
}

type tableAbsent struct {
	table string
}

// TableAbsent is pending while table does not exist.
func TableAbsent(table string) Condition {
	return tableAbsent{table}
}

func (c tableAbsent) Pending(snap *database.Snapshot) bool {
	return !snap.HasTable(c.table)
}

func (c tableAbsent) String() string {
	return fmt.Sprintf("table %s absent", c.table)
}

type indexAbsent struct {
	table, index string
}

// IndexAbsent is pending while table lacks index.
func IndexAbsent(table, index string) Condition {
	return indexAbsent{table, index}
}

func (c indexAbsent) Pending(snap *database.Snapshot) bool {
	return !snap.HasIndex(c.table, c.index)
}

func (c indexAbsent) String() string {
	return fmt.Sprintf("index %s on %s absent", c.index, c.table)
}

type not struct {
	c Condition
}

// Not inverts a condition. Destructive migrations use it: a drop-table
// migration is pending while the table is still present.
func Not(c Condition) Condition {
	return not{c}
}

func (n not) Pending(snap *database.Snapshot) bool {
	return !n.c.Pending(snap)
}

func (n not) String() string {
	return fmt.Sprintf("not (%s)", n.c)
}

// ColumnPresent is pending while table still has column.
func ColumnPresent(table, column string) Condition {
	return Not(ColumnAbsent(table, column))
}

// TablePresent is pending while table still exists.
func TablePresent(table string) Condition {
	return Not(TableAbsent(table))
}

// IndexPresent is pending while table still has index.
func IndexPresent(table, index string) Condition {
	return Not(IndexAbsent(table, index))
}

type allOf []Condition

// All is pending while every sub-condition is pending. Use it for
// migrations that make several changes at once.
func All(conds ...Condition) Condition {
	return allOf(conds)
}

func (a allOf) Pending(snap *database.Snapshot) bool {
	for _, c := range a {
		if !c.Pending(snap) {
			return false
		}
	}
	return true
}

func (a allOf) String() string {
	parts := make([]string, len(a))
	for i, c := range a {
		parts[i] = c.String()
	}
	return strings.Join(parts, " and ")
}
