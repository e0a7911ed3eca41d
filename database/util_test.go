package database

import "testing"

func TestGenerateLockId(t *testing.T) {
	a, err := GenerateLockId("journal")
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateLockId("journal")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("lock id is not stable")
	}

	c, err := GenerateLockId("journal", "public")
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("additional names do not change the lock id")
	}

	if _, err := GenerateLockId(""); err == nil {
		t.Fatal("expected error for empty database name")
	}
}
