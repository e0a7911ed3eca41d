// Package testing has the database driver conformance tests.
// All database drivers must pass the Test function.
// This lives in its own package so it stays a test dependency.
package testing

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/evolvedb/evolve/database"
)

// Test runs conformance tests against a driver instance. createTable must
// create a table named "conformance_test" in the store's native statement
// language.
func Test(t *testing.T, d database.Driver, createTable []string) {
	if len(createTable) == 0 {
		t.Fatal("test must provide create table statements")
	}

	TestLockAndUnlock(t, d)
	TestTx(t, d, createTable)
	TestLedger(t, d)
	// Drop breaks the driver, so test it last.
	TestDrop(t, d)
}

func TestLockAndUnlock(t *testing.T, d database.Driver) {
	// add a timeout, in case there is a deadlock
	done := make(chan struct{})
	errs := make(chan error)

	go func() {
		timeout := time.After(15 * time.Second)
		for {
			select {
			case <-done:
				return
			case <-timeout:
				errs <- fmt.Errorf("Timeout after 15 seconds. Looks like a deadlock in Lock/Unlock.\n%#v", d)
				return
			}
		}
	}()

	// run the locking test ...
	go func() {
		if err := d.Lock(); err != nil {
			errs <- err
			return
		}

		// try to acquire lock again
		if err := d.Lock(); err == nil {
			errs <- errors.New("lock: expected err not to be nil")
			return
		}

		// unlock
		if err := d.Unlock(); err != nil {
			errs <- err
			return
		}

		// try to lock
		if err := d.Lock(); err != nil {
			errs <- err
			return
		}
		if err := d.Unlock(); err != nil {
			errs <- err
			return
		}
		// notify everyone
		close(done)
	}()

	// wait for done or any error
	select {
	case <-done:
	case err := <-errs:
		t.Fatal(err)
	}
}

// TestTx checks the transactional contract: statements staged in a
// transaction are visible to the transaction's snapshot and, after commit,
// to the driver's snapshot.
func TestTx(t *testing.T, d database.Driver, createTable []string) {
	pre, err := d.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if pre.HasTable("conformance_test") {
		t.Fatal("conformance_test already exists, dirty store?")
	}

	tx, err := d.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Run(createTable); err != nil {
		t.Fatal(err)
	}

	staged, err := tx.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !staged.HasTable("conformance_test") {
		t.Fatal("transaction snapshot misses the staged table")
	}

	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	post, err := d.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !post.HasTable("conformance_test") {
		t.Fatal("committed table missing from snapshot")
	}
}

func TestLedger(t *testing.T, d database.Driver) {
	if err := d.EnsureLedger(); err != nil {
		t.Fatal(err)
	}
	// EnsureLedger is idempotent
	if err := d.EnsureLedger(); err != nil {
		t.Fatal(err)
	}

	entries := []database.LedgerEntry{
		{
			EntryID:     "01AAAAAAAAAAAAAAAAAAAAAAAA",
			MigrationID: "first",
			Outcome:     database.OutcomeSuccess,
			AppliedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			Checksum:    "aaa",
		},
		{
			EntryID:     "01BBBBBBBBBBBBBBBBBBBBBBBB",
			MigrationID: "second",
			Outcome:     database.OutcomeFailedException,
			AppliedAt:   time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
			ErrorDetail: "boom",
		},
	}
	// record out of order; Ledger must sort by entry id
	if err := d.Record(entries[1]); err != nil {
		t.Fatal(err)
	}
	if err := d.Record(entries[0]); err != nil {
		t.Fatal(err)
	}

	got, err := d.Ledger()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(got))
	}
	for i := range entries {
		if got[i].EntryID != entries[i].EntryID ||
			got[i].MigrationID != entries[i].MigrationID ||
			got[i].Outcome != entries[i].Outcome ||
			!got[i].AppliedAt.Equal(entries[i].AppliedAt) ||
			got[i].ErrorDetail != entries[i].ErrorDetail ||
			got[i].Checksum != entries[i].Checksum {
			t.Fatalf("entry %d mismatch:\nwant %+v\ngot  %+v", i, entries[i], got[i])
		}
	}

	// the ledger table is management state, not managed schema
	snap, err := d.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range snap.TableNames() {
		if name == "schema_ledger" {
			t.Fatal("snapshot includes the ledger table")
		}
	}
}

func TestDrop(t *testing.T, d database.Driver) {
	if err := d.Drop(); err != nil {
		t.Fatal(err)
	}
	snap, err := d.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Tables) != 0 {
		t.Fatalf("drop left tables behind: %v", snap.TableNames())
	}
}
