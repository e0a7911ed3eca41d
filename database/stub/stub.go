// Package stub implements an in-memory database.Driver for tests.
package stub

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/atomic"

	"github.com/evolvedb/evolve/database"
)

func init() {
	database.Register("stub", &Stub{})
}

// Stub keeps its schema as a plain snapshot and understands a tiny command
// grammar instead of SQL:
//
//	create-table <table>
//	drop-table <table>
//	add-column <table>.<column>
//	drop-column <table>.<column>
//	add-index <table>.<index>
//	drop-index <table>.<index>
//	noop
//	fail [message]
//
// "fail" raises an error, for exercising the engine's failure paths.
// Transactions are copy-on-write: Run mutates a staged clone that only
// replaces the committed schema on Commit.
type Stub struct {
	Url      string
	Instance interface{}

	Schema            *database.Snapshot
	LedgerRows        []database.LedgerEntry
	MigrationSequence []string

	isLocked atomic.Bool

	Config *Config
}

type Config struct{}

func (s *Stub) Open(url string) (database.Driver, error) {
	return &Stub{
		Url:    url,
		Schema: database.NewSnapshot(),
		Config: &Config{},
	}, nil
}

func WithInstance(instance interface{}, config *Config) (database.Driver, error) {
	return &Stub{
		Instance: instance,
		Schema:   database.NewSnapshot(),
		Config:   config,
	}, nil
}

func (s *Stub) Close() error {
	return nil
}

func (s *Stub) Lock() error {
	if !s.isLocked.CompareAndSwap(false, true) {
		return database.ErrLocked
	}
	return nil
}

func (s *Stub) Unlock() error {
	if !s.isLocked.CompareAndSwap(true, false) {
		return database.ErrNotLocked
	}
	return nil
}

func (s *Stub) Snapshot() (*database.Snapshot, error) {
	return s.Schema.Clone(), nil
}

func (s *Stub) Begin() (database.Tx, error) {
	return &stubTx{drv: s, pending: s.Schema.Clone()}, nil
}

func (s *Stub) EnsureLedger() error {
	return nil
}

func (s *Stub) Ledger() ([]database.LedgerEntry, error) {
	out := make([]database.LedgerEntry, len(s.LedgerRows))
	copy(out, s.LedgerRows)
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (s *Stub) Record(e database.LedgerEntry) error {
	s.LedgerRows = append(s.LedgerRows, e)
	return nil
}

const DROP = "DROP"

func (s *Stub) Drop() error {
	s.Schema = database.NewSnapshot()
	s.LedgerRows = nil
	s.MigrationSequence = append(s.MigrationSequence, DROP)
	return nil
}

// EqualSequence reports whether the committed statements match seq.
func (s *Stub) EqualSequence(seq []string) bool {
	if len(seq) != len(s.MigrationSequence) {
		return false
	}
	for i := range seq {
		if seq[i] != s.MigrationSequence[i] {
			return false
		}
	}
	return true
}

type stubTx struct {
	drv     *Stub
	pending *database.Snapshot
	stmts   []string
	done    bool
}

func (t *stubTx) Run(stmts []string) error {
	for _, stmt := range stmts {
		if err := applyStmt(t.pending, stmt); err != nil {
			return &database.Error{OrigErr: err, Query: []byte(stmt)}
		}
		t.stmts = append(t.stmts, stmt)
	}
	return nil
}

func (t *stubTx) Snapshot() (*database.Snapshot, error) {
	return t.pending.Clone(), nil
}

func (t *stubTx) Commit() error {
	if t.done {
		return fmt.Errorf("stub: transaction already finished")
	}
	t.done = true
	t.drv.Schema = t.pending
	t.drv.MigrationSequence = append(t.drv.MigrationSequence, t.stmts...)
	return nil
}

func (t *stubTx) Rollback() error {
	if t.done {
		return fmt.Errorf("stub: transaction already finished")
	}
	t.done = true
	return nil
}

func applyStmt(snap *database.Snapshot, stmt string) error {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return fmt.Errorf("empty statement")
	}

	cmd := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch cmd {
	case "noop":
		return nil

	case "fail":
		msg := strings.TrimSpace(strings.TrimPrefix(stmt, "fail"))
		if msg == "" {
			msg = "forced failure"
		}
		return fmt.Errorf("%s", msg)

	case "create-table":
		if snap.HasTable(arg) {
			return fmt.Errorf("table %s already exists", arg)
		}
		snap.AddTable(arg)
		return nil

	case "drop-table":
		if !snap.HasTable(arg) {
			return fmt.Errorf("no such table: %s", arg)
		}
		snap.RemoveTable(arg)
		return nil

	case "add-column":
		table, column, err := splitRef(arg)
		if err != nil {
			return err
		}
		if !snap.HasTable(table) {
			return fmt.Errorf("no such table: %s", table)
		}
		if snap.HasColumn(table, column) {
			return fmt.Errorf("column %s.%s already exists", table, column)
		}
		snap.AddColumn(table, column, database.Column{Type: "TEXT", Nullable: true})
		return nil

	case "drop-column":
		table, column, err := splitRef(arg)
		if err != nil {
			return err
		}
		if !snap.HasColumn(table, column) {
			return fmt.Errorf("no such column: %s.%s", table, column)
		}
		delete(snap.Tables[table].Columns, column)
		return nil

	case "add-index":
		table, index, err := splitRef(arg)
		if err != nil {
			return err
		}
		if !snap.HasTable(table) {
			return fmt.Errorf("no such table: %s", table)
		}
		if snap.HasIndex(table, index) {
			return fmt.Errorf("index %s.%s already exists", table, index)
		}
		snap.AddIndex(table, index)
		return nil

	case "drop-index":
		table, index, err := splitRef(arg)
		if err != nil {
			return err
		}
		if !snap.HasIndex(table, index) {
			return fmt.Errorf("no such index: %s.%s", table, index)
		}
		delete(snap.Tables[table].Indexes, index)
		return nil

	default:
		return fmt.Errorf("unknown stub statement %q", stmt)
	}
}

func splitRef(arg string) (string, string, error) {
	parts := strings.SplitN(arg, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected <table>.<name>, got %q", arg)
	}
	return parts[0], parts[1], nil
}
