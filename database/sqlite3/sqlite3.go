// Package sqlite3 implements the database.Driver interface on top of
// mattn/go-sqlite3 (cgo). SQLite wraps DDL in transactions, so forward
// actions are fully atomic: a failed statement or verification rolls the
// whole action back.
package sqlite3

import (
	"database/sql"
	"fmt"
	nurl "net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/atomic"

	"github.com/evolvedb/evolve"
	"github.com/evolvedb/evolve/database"
)

func init() {
	database.Register("sqlite3", &Sqlite{})
}

var DefaultLedgerTable = "schema_ledger"

var ErrNilConfig = fmt.Errorf("no config")

type Config struct {
	LedgerTable  string
	DatabaseName string
}

type Sqlite struct {
	db       *sql.DB
	isLocked atomic.Bool

	config *Config
}

func WithInstance(instance *sql.DB, config *Config) (database.Driver, error) {
	if config == nil {
		return nil, ErrNilConfig
	}

	if err := instance.Ping(); err != nil {
		return nil, err
	}

	if len(config.LedgerTable) == 0 {
		config.LedgerTable = DefaultLedgerTable
	}

	return &Sqlite{db: instance, config: config}, nil
}

func (m *Sqlite) Open(url string) (database.Driver, error) {
	purl, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}
	dbfile := strings.Replace(evolve.FilterCustomQuery(purl).String(), "sqlite3://", "", 1)
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, err
	}

	qv := purl.Query()
	ledgerTable := qv.Get("x-ledger-table")

	return WithInstance(db, &Config{
		DatabaseName: purl.Path,
		LedgerTable:  ledgerTable,
	})
}

func (m *Sqlite) Close() error {
	return m.db.Close()
}

func (m *Sqlite) Lock() error {
	if !m.isLocked.CompareAndSwap(false, true) {
		return database.ErrLocked
	}
	return nil
}

func (m *Sqlite) Unlock() error {
	if !m.isLocked.CompareAndSwap(true, false) {
		return database.ErrNotLocked
	}
	return nil
}

// querier lets snapshotFrom run against the bare connection or an open
// transaction; an in-transaction snapshot observes uncommitted DDL.
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func (m *Sqlite) Snapshot() (*database.Snapshot, error) {
	return m.snapshotFrom(m.db)
}

func (m *Sqlite) snapshotFrom(q querier) (snap *database.Snapshot, err error) {
	snap = database.NewSnapshot()

	query := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
	rows, err := q.Query(query)
	if err != nil {
		return nil, &database.Error{OrigErr: err, Query: []byte(query)}
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			err = multierror.Append(err, errClose)
		}
	}()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if name == m.config.LedgerTable {
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &database.Error{OrigErr: err, Query: []byte(query)}
	}

	for _, table := range tables {
		snap.AddTable(table)
		if err := m.describeTable(q, snap, table); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (m *Sqlite) describeTable(q querier, snap *database.Snapshot, table string) (err error) {
	query := `SELECT name, type, "notnull" FROM pragma_table_info(?)`
	cols, err := q.Query(query, table)
	if err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	defer func() {
		if errClose := cols.Close(); errClose != nil {
			err = multierror.Append(err, errClose)
		}
	}()

	for cols.Next() {
		var name, ctype string
		var notnull int
		if err := cols.Scan(&name, &ctype, &notnull); err != nil {
			return err
		}
		snap.AddColumn(table, name, database.Column{Type: ctype, Nullable: notnull == 0})
	}
	if err := cols.Err(); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}

	query = `SELECT name FROM pragma_index_list(?)`
	idxs, err := q.Query(query, table)
	if err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	defer func() {
		if errClose := idxs.Close(); errClose != nil {
			err = multierror.Append(err, errClose)
		}
	}()

	for idxs.Next() {
		var name string
		if err := idxs.Scan(&name); err != nil {
			return err
		}
		// implicit indexes backing UNIQUE and PRIMARY KEY constraints
		if strings.HasPrefix(name, "sqlite_autoindex_") {
			continue
		}
		snap.AddIndex(table, name)
	}
	return idxs.Err()
}

func (m *Sqlite) Begin() (database.Tx, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, &database.Error{OrigErr: err, Err: "transaction start failed"}
	}
	return &sqliteTx{tx: tx, drv: m}, nil
}

type sqliteTx struct {
	tx  *sql.Tx
	drv *Sqlite
}

func (t *sqliteTx) Run(stmts []string) error {
	for _, stmt := range stmts {
		if _, err := t.tx.Exec(stmt); err != nil {
			return &database.Error{OrigErr: err, Query: []byte(stmt)}
		}
	}
	return nil
}

func (t *sqliteTx) Snapshot() (*database.Snapshot, error) {
	return t.drv.snapshotFrom(t.tx)
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (m *Sqlite) EnsureLedger() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		entry_id TEXT PRIMARY KEY,
		migration_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		error_detail TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS %s_migration_id ON %s (migration_id);
	`, m.config.LedgerTable, m.config.LedgerTable, m.config.LedgerTable)

	if _, err := m.db.Exec(query); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (m *Sqlite) Ledger() (entries []database.LedgerEntry, err error) {
	query := fmt.Sprintf(`SELECT entry_id, migration_id, outcome, applied_at, error_detail, checksum FROM %s ORDER BY entry_id`, m.config.LedgerTable)
	rows, err := m.db.Query(query)
	if err != nil {
		return nil, &database.Error{OrigErr: err, Query: []byte(query)}
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			err = multierror.Append(err, errClose)
		}
	}()

	for rows.Next() {
		var e database.LedgerEntry
		var outcome, appliedAt string
		if err := rows.Scan(&e.EntryID, &e.MigrationID, &outcome, &appliedAt, &e.ErrorDetail, &e.Checksum); err != nil {
			return nil, err
		}
		e.Outcome = database.Outcome(outcome)
		if e.AppliedAt, err = time.Parse(time.RFC3339Nano, appliedAt); err != nil {
			return nil, fmt.Errorf("ledger entry %s: bad applied_at: %w", e.EntryID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (m *Sqlite) Record(e database.LedgerEntry) error {
	query := fmt.Sprintf(`INSERT INTO %s (entry_id, migration_id, outcome, applied_at, error_detail, checksum) VALUES (?, ?, ?, ?, ?, ?)`, m.config.LedgerTable)
	if _, err := m.db.Exec(query,
		e.EntryID, e.MigrationID, string(e.Outcome),
		e.AppliedAt.UTC().Format(time.RFC3339Nano),
		e.ErrorDetail, e.Checksum,
	); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (m *Sqlite) Drop() (err error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
	tables, err := m.db.Query(query)
	if err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	defer func() {
		if errClose := tables.Close(); errClose != nil {
			err = multierror.Append(err, errClose)
		}
	}()

	tableNames := make([]string, 0)
	for tables.Next() {
		var tableName string
		if err := tables.Scan(&tableName); err != nil {
			return err
		}
		if len(tableName) > 0 {
			tableNames = append(tableNames, tableName)
		}
	}
	if err := tables.Err(); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}

	for _, t := range tableNames {
		query := "DROP TABLE " + t
		if _, err := m.db.Exec(query); err != nil {
			return &database.Error{OrigErr: err, Query: []byte(query)}
		}
	}
	if len(tableNames) > 0 {
		query := "VACUUM"
		if _, err := m.db.Exec(query); err != nil {
			return &database.Error{OrigErr: err, Query: []byte(query)}
		}
	}

	return nil
}
