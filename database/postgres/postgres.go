// Package postgres implements the database.Driver interface with lib/pq.
// PostgreSQL runs DDL inside transactions, so forward actions are fully
// atomic. Cross-process exclusion uses session advisory locks derived from
// the database and schema names.
package postgres

import (
	"database/sql"
	"fmt"
	nurl "net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/lib/pq"
	"go.uber.org/atomic"

	"github.com/evolvedb/evolve"
	"github.com/evolvedb/evolve/database"
)

func init() {
	db := Postgres{}
	database.Register("postgres", &db)
	database.Register("postgresql", &db)
}

var DefaultLedgerTable = "schema_ledger"

// DefaultLockRetryTime bounds how long Lock keeps retrying the advisory
// lock before giving up.
var DefaultLockRetryTime = 15 * time.Second

var (
	ErrNilConfig      = fmt.Errorf("no config")
	ErrNoDatabaseName = fmt.Errorf("no database name")
	ErrNoSchema       = fmt.Errorf("no schema")
)

type Config struct {
	LedgerTable  string
	DatabaseName string
	SchemaName   string
}

type Postgres struct {
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

	if config.DatabaseName == "" {
		query := `SELECT CURRENT_DATABASE()`
		if err := instance.QueryRow(query).Scan(&config.DatabaseName); err != nil {
			return nil, &database.Error{OrigErr: err, Query: []byte(query)}
		}
		if len(config.DatabaseName) == 0 {
			return nil, ErrNoDatabaseName
		}
	}

	if config.SchemaName == "" {
		query := `SELECT CURRENT_SCHEMA()`
		if err := instance.QueryRow(query).Scan(&config.SchemaName); err != nil {
			return nil, &database.Error{OrigErr: err, Query: []byte(query)}
		}
		if len(config.SchemaName) == 0 {
			return nil, ErrNoSchema
		}
	}

	if len(config.LedgerTable) == 0 {
		config.LedgerTable = DefaultLedgerTable
	}

	return &Postgres{db: instance, config: config}, nil
}

func (p *Postgres) Open(url string) (database.Driver, error) {
	purl, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", evolve.FilterCustomQuery(purl).String())
	if err != nil {
		return nil, err
	}

	return WithInstance(db, &Config{
		LedgerTable: purl.Query().Get("x-ledger-table"),
	})
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Lock takes a session advisory lock, retrying with exponential backoff
// until DefaultLockRetryTime elapses.
func (p *Postgres) Lock() error {
	if p.isLocked.Load() {
		return database.ErrLocked
	}

	aid, err := database.GenerateLockId(p.config.DatabaseName, p.config.SchemaName)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = DefaultLockRetryTime

	err = backoff.Retry(func() error {
		query := `SELECT pg_try_advisory_lock($1)`
		var acquired bool
		if err := p.db.QueryRow(query, aid).Scan(&acquired); err != nil {
			return backoff.Permanent(&database.Error{OrigErr: err, Query: []byte(query)})
		}
		if !acquired {
			return database.ErrLocked
		}
		return nil
	}, bo)
	if err != nil {
		return err
	}

	p.isLocked.Store(true)
	return nil
}

func (p *Postgres) Unlock() error {
	if !p.isLocked.Load() {
		return database.ErrNotLocked
	}

	aid, err := database.GenerateLockId(p.config.DatabaseName, p.config.SchemaName)
	if err != nil {
		return err
	}

	query := `SELECT pg_advisory_unlock($1)`
	if _, err := p.db.Exec(query, aid); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	p.isLocked.Store(false)
	return nil
}

type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func (p *Postgres) Snapshot() (*database.Snapshot, error) {
	return p.snapshotFrom(p.db)
}

func (p *Postgres) snapshotFrom(q querier) (*database.Snapshot, error) {
	snap := database.NewSnapshot()

	err := p.scan(q, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = CURRENT_SCHEMA() AND table_type = 'BASE TABLE'`,
		func(rows *sql.Rows) error {
			var table string
			if err := rows.Scan(&table); err != nil {
				return err
			}
			if table != p.config.LedgerTable {
				snap.AddTable(table)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = p.scan(q, `SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns WHERE table_schema = CURRENT_SCHEMA()`,
		func(rows *sql.Rows) error {
			var table, column, dataType, nullable string
			if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
				return err
			}
			if snap.HasTable(table) {
				snap.AddColumn(table, column, database.Column{Type: dataType, Nullable: nullable == "YES"})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = p.scan(q, `SELECT tablename, indexname FROM pg_indexes
		WHERE schemaname = CURRENT_SCHEMA()`,
		func(rows *sql.Rows) error {
			var table, index string
			if err := rows.Scan(&table, &index); err != nil {
				return err
			}
			if snap.HasTable(table) {
				snap.AddIndex(table, index)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

func (p *Postgres) scan(q querier, query string, each func(*sql.Rows) error) (err error) {
	rows, err := q.Query(query)
	if err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			err = multierror.Append(err, errClose)
		}
	}()

	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (p *Postgres) Begin() (database.Tx, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, &database.Error{OrigErr: err, Err: "transaction start failed"}
	}
	return &pgTx{tx: tx, drv: p}, nil
}

type pgTx struct {
	tx  *sql.Tx
	drv *Postgres
}

func (t *pgTx) Run(stmts []string) error {
	for _, stmt := range stmts {
		if _, err := t.tx.Exec(stmt); err != nil {
			return &database.Error{OrigErr: err, Query: []byte(stmt)}
		}
	}
	return nil
}

func (t *pgTx) Snapshot() (*database.Snapshot, error) {
	return t.drv.snapshotFrom(t.tx)
}

func (t *pgTx) Commit() error {
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	return t.tx.Rollback()
}

func (p *Postgres) ledgerTable() string {
	return pq.QuoteIdentifier(p.config.SchemaName) + "." + pq.QuoteIdentifier(p.config.LedgerTable)
}

func (p *Postgres) EnsureLedger() error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		entry_id TEXT PRIMARY KEY,
		migration_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		error_detail TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL DEFAULT ''
	)`, p.ledgerTable())
	if _, err := p.db.Exec(query); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (p *Postgres) Ledger() (entries []database.LedgerEntry, err error) {
	query := fmt.Sprintf(`SELECT entry_id, migration_id, outcome, applied_at, error_detail, checksum FROM %s ORDER BY entry_id`, p.ledgerTable())
	rows, err := p.db.Query(query)
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
		var outcome string
		if err := rows.Scan(&e.EntryID, &e.MigrationID, &outcome, &e.AppliedAt, &e.ErrorDetail, &e.Checksum); err != nil {
			return nil, err
		}
		e.Outcome = database.Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) Record(e database.LedgerEntry) error {
	query := fmt.Sprintf(`INSERT INTO %s (entry_id, migration_id, outcome, applied_at, error_detail, checksum) VALUES ($1, $2, $3, $4, $5, $6)`, p.ledgerTable())
	if _, err := p.db.Exec(query,
		e.EntryID, e.MigrationID, string(e.Outcome), e.AppliedAt.UTC(), e.ErrorDetail, e.Checksum,
	); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

func (p *Postgres) Drop() (err error) {
	query := `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = CURRENT_SCHEMA()`
	tables, err := p.db.Query(query)
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
		query := `DROP TABLE IF EXISTS ` + pq.QuoteIdentifier(t) + ` CASCADE`
		if _, err := p.db.Exec(query); err != nil {
			return &database.Error{OrigErr: err, Query: []byte(query)}
		}
	}

	return nil
}
