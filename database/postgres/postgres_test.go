package postgres

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/dhui/dktest"

	"github.com/evolvedb/evolve"
	"github.com/evolvedb/evolve/database"
	dt "github.com/evolvedb/evolve/database/testing"
	"github.com/evolvedb/evolve/dktesting"
)

const pgPassword = "postgres"

var (
	opts = dktest.Options{
		Env:          map[string]string{"POSTGRES_PASSWORD": pgPassword},
		PortRequired: true, ReadyFunc: isReady,
	}
	specs = []dktesting.ContainerSpec{
		{ImageName: "postgres:13-alpine", Options: opts},
		{ImageName: "postgres:14-alpine", Options: opts},
		{ImageName: "postgres:15-alpine", Options: opts},
		{ImageName: "postgres:16-alpine", Options: opts},
	}
)

func pgConnectionString(host, port string, options ...string) string {
	options = append(options, "sslmode=disable")
	return fmt.Sprintf("postgres://postgres:%s@%s:%s/postgres?%s", pgPassword, host, port, strings.Join(options, "&"))
}

func isReady(ctx context.Context, c dktest.ContainerInfo) bool {
	ip, port, err := c.FirstPort()
	if err != nil {
		return false
	}

	db, err := sql.Open("postgres", pgConnectionString(ip, port))
	if err != nil {
		return false
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Println("close error:", err)
		}
	}()
	if err = db.PingContext(ctx); err != nil {
		switch err {
		case sqldriver.ErrBadConn, io.EOF:
			return false
		default:
			log.Println(err)
		}
		return false
	}

	return true
}

func journalRegistry(t *testing.T) *evolve.Registry {
	t.Helper()
	registry, err := evolve.NewRegistry(
		&evolve.Descriptor{
			ID:           "create_users_table",
			Sequence:     10,
			Forward:      []string{`CREATE TABLE users (id BIGSERIAL PRIMARY KEY, email TEXT NOT NULL)`},
			Backward:     []string{`DROP TABLE users`},
			Precondition: evolve.TableAbsent("users"),
		},
		&evolve.Descriptor{
			ID:       "create_trades_table",
			Sequence: 20,
			Forward: []string{
				`CREATE TABLE trades (id BIGSERIAL PRIMARY KEY, user_id BIGINT NOT NULL REFERENCES users (id), symbol TEXT NOT NULL, entry_price NUMERIC, exit_price NUMERIC)`,
				`CREATE INDEX idx_trades_symbol ON trades (symbol)`,
			},
			Backward:     []string{`DROP TABLE trades`},
			Precondition: evolve.TableAbsent("trades"),
		},
		&evolve.Descriptor{
			ID:           "add_timezone_column",
			Sequence:     30,
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

func openDriver(t *testing.T, c dktest.ContainerInfo) database.Driver {
	t.Helper()
	ip, port, err := c.FirstPort()
	if err != nil {
		t.Fatal(err)
	}
	db, err := sql.Open("postgres", pgConnectionString(ip, port))
	if err != nil {
		t.Fatal(err)
	}
	drv, err := WithInstance(db, &Config{})
	if err != nil {
		t.Fatal(err)
	}
	return drv
}

func Test(t *testing.T) {
	dktesting.ParallelTest(t, specs, func(t *testing.T, c dktest.ContainerInfo) {
		drv := openDriver(t, c)
		defer func() {
			if err := drv.Close(); err != nil {
				t.Error(err)
			}
		}()
		dt.Test(t, drv, []string{`CREATE TABLE conformance_test (id BIGSERIAL PRIMARY KEY)`})
	})
}

func TestMigrate(t *testing.T) {
	dktesting.ParallelTest(t, specs, func(t *testing.T, c dktest.ContainerInfo) {
		drv := openDriver(t, c)
		r, err := evolve.NewWithInstance(journalRegistry(t), "postgres", drv)
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
		if report.Applied() != 3 {
			t.Fatalf("expected 3 applied, got %d", report.Applied())
		}

		snap, err := drv.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if !snap.HasColumn("users", "timezone") {
			t.Fatal("expected users.timezone to exist")
		}
		if !snap.HasIndex("trades", "idx_trades_symbol") {
			t.Fatal("expected idx_trades_symbol to exist")
		}
		if snap.HasTable(DefaultLedgerTable) {
			t.Fatal("snapshot includes the ledger table")
		}

		if _, err := r.ApplyPending(); !errors.Is(err, evolve.ErrNoChange) {
			t.Fatalf("expected ErrNoChange, got %v", err)
		}

		if err := r.RollbackOne("", false); err != nil {
			t.Fatal(err)
		}
		snap, err = drv.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if snap.HasColumn("users", "timezone") {
			t.Fatal("rollback left users.timezone behind")
		}
	})
}

func TestFailureIsAtomic(t *testing.T) {
	dktesting.ParallelTest(t, specs, func(t *testing.T, c dktest.ContainerInfo) {
		drv := openDriver(t, c)
		registry, err := evolve.NewRegistry(&evolve.Descriptor{
			ID:       "create_trades_table",
			Sequence: 10,
			Forward: []string{
				`CREATE TABLE trades (id BIGSERIAL PRIMARY KEY)`,
				`THIS IS NOT SQL`,
			},
			Precondition: evolve.TableAbsent("trades"),
		})
		if err != nil {
			t.Fatal(err)
		}
		r, err := evolve.NewWithInstance(registry, "postgres", drv)
		if err != nil {
			t.Fatal(err)
		}
		defer func() {
			if err := r.Close(); err != nil {
				t.Error(err)
			}
		}()

		_, err = r.ApplyPending()
		var execErr evolve.ExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("expected ExecutionError, got %v", err)
		}

		snap, err := drv.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if snap.HasTable("trades") {
			t.Fatal("partial migration left the table behind")
		}
	})
}

func TestAdvisoryLockContention(t *testing.T) {
	dktesting.ParallelTest(t, specs, func(t *testing.T, c dktest.ContainerInfo) {
		holder := openDriver(t, c)
		waiter := openDriver(t, c)
		defer func() {
			if err := holder.Close(); err != nil {
				t.Error(err)
			}
			if err := waiter.Close(); err != nil {
				t.Error(err)
			}
		}()

		// don't wait the full retry window for a lock we know is taken
		retryTime := DefaultLockRetryTime
		DefaultLockRetryTime = 2 * time.Second
		defer func() { DefaultLockRetryTime = retryTime }()

		if err := holder.Lock(); err != nil {
			t.Fatal(err)
		}
		if err := waiter.Lock(); !errors.Is(err, database.ErrLocked) {
			t.Fatalf("expected ErrLocked, got %v", err)
		}

		if err := holder.Unlock(); err != nil {
			t.Fatal(err)
		}
		if err := waiter.Lock(); err != nil {
			t.Fatal(err)
		}
		if err := waiter.Unlock(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestMigrateWithURL(t *testing.T) {
	dktesting.ParallelTest(t, specs, func(t *testing.T, c dktest.ContainerInfo) {
		ip, port, err := c.FirstPort()
		if err != nil {
			t.Fatal(err)
		}

		r, err := evolve.New(journalRegistry(t), pgConnectionString(ip, port))
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
		if report.Applied() != 3 {
			t.Fatalf("expected 3 applied, got %d", report.Applied())
		}
	})
}
