package database

import "testing"

func TestSnapshotCloneIsDeep(t *testing.T) {
	s := NewSnapshot()
	s.AddColumn("users", "email", Column{Type: "TEXT"})
	s.AddIndex("users", "idx_users_email")

	c := s.Clone()
	if !s.Equal(c) {
		t.Fatal("clone differs from original")
	}

	c.AddColumn("users", "timezone", Column{Type: "TEXT"})
	c.AddTable("trades")
	if s.HasColumn("users", "timezone") || s.HasTable("trades") {
		t.Fatal("mutating the clone changed the original")
	}
	if s.Equal(c) {
		t.Fatal("diverged snapshots compare equal")
	}
}

func TestSnapshotEqualConsidersMetadata(t *testing.T) {
	a := NewSnapshot()
	a.AddColumn("users", "email", Column{Type: "TEXT", Nullable: false})

	b := NewSnapshot()
	b.AddColumn("users", "email", Column{Type: "TEXT", Nullable: true})

	if a.Equal(b) {
		t.Fatal("snapshots with different column metadata compare equal")
	}
}

func TestSnapshotTableNames(t *testing.T) {
	s := NewSnapshot()
	s.AddTable("trades")
	s.AddTable("users")
	s.AddTable("accounts")

	names := s.TableNames()
	want := []string{"accounts", "trades", "users"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}
