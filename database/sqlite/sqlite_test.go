package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/evolvedb/evolve"
	"github.com/evolvedb/evolve/database"
	dt "github.com/evolvedb/evolve/database/testing"
)

func testRegistry(t *testing.T) *evolve.Registry {
	t.Helper()
	registry, err := evolve.NewRegistry(
		&evolve.Descriptor{
			ID:           "create_users_table",
			Sequence:     10,
			Forward:      []string{`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL)`},
			Backward:     []string{`DROP TABLE users`},
			Precondition: evolve.TableAbsent("users"),
		},
		&evolve.Descriptor{
			ID:           "add_timezone_column",
			Sequence:     20,
			Forward:      []string{`ALTER TABLE users ADD COLUMN timezone TEXT NOT NULL DEFAULT 'America/New_York'`},
			Backward:     []string{`ALTER TABLE users DROP COLUMN timezone`},
			Precondition: evolve.ColumnAbsent("users", "timezone"),
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

func Test(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		t.Fatal(err)
	}
	drv, err := WithInstance(db, &Config{DatabaseName: "journal"})
	if err != nil {
		t.Fatal(err)
	}
	dt.Test(t, drv, []string{`CREATE TABLE conformance_test (id INTEGER PRIMARY KEY)`})
}

func TestMigrate(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		t.Fatal(err)
	}
	drv, err := WithInstance(db, &Config{DatabaseName: "journal"})
	if err != nil {
		t.Fatal(err)
	}

	r, err := evolve.NewWithInstance(testRegistry(t), "sqlite", drv)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			t.Error(err)
		}
	}()

	report, err := r.ApplyPending()
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied() != 2 {
		t.Fatalf("expected 2 applied, got %d", report.Applied())
	}

	snap, err := drv.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !snap.HasColumn("users", "timezone") {
		t.Fatal("expected users.timezone to exist")
	}
	if snap.HasTable(DefaultLedgerTable) {
		t.Fatal("snapshot includes the ledger table")
	}

	if _, err := r.ApplyPending(); !errors.Is(err, evolve.ErrNoChange) {
		t.Fatalf("expected ErrNoChange, got %v", err)
	}

	if err := r.RollbackOne("add_timezone_column", false); err != nil {
		t.Fatal(err)
	}
	snap, err = drv.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.HasColumn("users", "timezone") {
		t.Fatal("rollback left users.timezone behind")
	}
}

func TestMigrateWithURL(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "journal.db")

	r, err := evolve.New(testRegistry(t), fmt.Sprintf("sqlite://%s", dbFile))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			t.Error(err)
		}
	}()

	report, err := r.ApplyPending()
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied() != 2 {
		t.Fatalf("expected 2 applied, got %d", report.Applied())
	}
}

func TestLock(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		t.Fatal(err)
	}
	drv, err := WithInstance(db, &Config{DatabaseName: "journal"})
	if err != nil {
		t.Fatal(err)
	}

	if err := drv.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := drv.Lock(); err != database.ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := drv.Unlock(); err != nil {
		t.Fatal(err)
	}
}
