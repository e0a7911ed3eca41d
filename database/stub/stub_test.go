package stub

import (
	"testing"

	"github.com/evolvedb/evolve/database"
	dt "github.com/evolvedb/evolve/database/testing"
)

func Test(t *testing.T) {
	drv, err := (&Stub{}).Open("stub://")
	if err != nil {
		t.Fatal(err)
	}
	dt.Test(t, drv, []string{"create-table conformance_test"})
}

func TestStatements(t *testing.T) {
	drv, err := (&Stub{}).Open("stub://")
	if err != nil {
		t.Fatal(err)
	}
	s := drv.(*Stub)

	tx, err := s.Begin()
	if err != nil {
		t.Fatal(err)
	}
	stmts := []string{
		"create-table users",
		"add-column users.email",
		"add-index users.idx_users_email",
	}
	if err := tx.Run(stmts); err != nil {
		t.Fatal(err)
	}

	// uncommitted changes are visible inside the transaction only
	pending, err := tx.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !pending.HasColumn("users", "email") {
		t.Fatal("transaction snapshot misses staged change")
	}
	if s.Schema.HasTable("users") {
		t.Fatal("staged change leaked into the committed schema")
	}

	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if !s.Schema.HasIndex("users", "idx_users_email") {
		t.Fatal("commit did not publish the staged schema")
	}
	if !s.EqualSequence(stmts) {
		t.Fatalf("unexpected committed sequence: %v", s.MigrationSequence)
	}
}

func TestRollbackDiscardsStagedChanges(t *testing.T) {
	drv, _ := (&Stub{}).Open("stub://")
	s := drv.(*Stub)

	tx, err := s.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Run([]string{"create-table users"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if s.Schema.HasTable("users") || !s.EqualSequence([]string{}) {
		t.Fatal("rollback published staged changes")
	}
}

func TestFailStatement(t *testing.T) {
	drv, _ := (&Stub{}).Open("stub://")
	s := drv.(*Stub)

	tx, _ := s.Begin()
	err := tx.Run([]string{"fail boom"})
	if err == nil {
		t.Fatal("expected error")
	}
	var dbErr *database.Error
	if e, ok := err.(*database.Error); !ok {
		t.Fatalf("expected *database.Error, got %T", err)
	} else {
		dbErr = e
	}
	if string(dbErr.Query) != "fail boom" {
		t.Fatalf("error does not carry the statement: %q", dbErr.Query)
	}
}

func TestInvalidStatements(t *testing.T) {
	cases := []struct {
		name  string
		setup []string
		stmt  string
	}{
		{"unknown command", nil, "frobnicate users"},
		{"duplicate table", []string{"create-table users"}, "create-table users"},
		{"missing table", nil, "drop-table users"},
		{"missing column table", nil, "add-column users.email"},
		{"duplicate column", []string{"create-table users", "add-column users.email"}, "add-column users.email"},
		{"missing column", []string{"create-table users"}, "drop-column users.email"},
		{"bad ref", []string{"create-table users"}, "add-column users"},
		{"duplicate index", []string{"create-table users", "add-index users.i"}, "add-index users.i"},
		{"missing index", []string{"create-table users"}, "drop-index users.i"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drv, _ := (&Stub{}).Open("stub://")
			s := drv.(*Stub)
			tx, _ := s.Begin()
			if err := tx.Run(tc.setup); err != nil {
				t.Fatal(err)
			}
			if err := tx.Run([]string{tc.stmt}); err == nil {
				t.Fatalf("%q: expected error", tc.stmt)
			}
		})
	}
}

func TestLock(t *testing.T) {
	drv, _ := (&Stub{}).Open("stub://")
	s := drv.(*Stub)

	if err := s.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := s.Lock(); err != database.ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := s.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlock(); err != database.ErrNotLocked {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestDrop(t *testing.T) {
	drv, _ := (&Stub{}).Open("stub://")
	s := drv.(*Stub)

	tx, _ := s.Begin()
	if err := tx.Run([]string{"create-table users"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(database.LedgerEntry{EntryID: "01", MigrationID: "m"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Drop(); err != nil {
		t.Fatal(err)
	}
	if len(s.Schema.Tables) != 0 || len(s.LedgerRows) != 0 {
		t.Fatal("drop left state behind")
	}
	if !s.EqualSequence([]string{"create-table users", DROP}) {
		t.Fatalf("unexpected sequence: %v", s.MigrationSequence)
	}
}
