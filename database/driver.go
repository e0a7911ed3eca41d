// Package database provides the store-facing abstractions of the engine.
// Drivers are kept "dumb": ordering, precondition evaluation and
// post-condition verification all live in the evolve package. A driver only
// knows how to introspect its schema, execute statements inside a
// transaction and persist ledger entries.
package database

import (
	"fmt"
	"sort"
	"sync"

	iurl "github.com/evolvedb/evolve/internal/url"
)

var (
	ErrLocked    = fmt.Errorf("unable to acquire lock")
	ErrNotLocked = fmt.Errorf("unable to release lock: not locked")
)

var driversMu sync.RWMutex
var drivers = make(map[string]Driver)

type Driver interface {
	// Open returns a new driver instance configured from url.
	Open(url string) (Driver, error)

	Close() error

	// Lock acquires an exclusive hold on the store for the duration of a
	// run. The engine assumes a single writer; Lock exists to make a
	// second concurrent runner fail loudly instead of racing.
	Lock() error

	Unlock() error

	// Snapshot reads the current tables, columns and indexes, excluding
	// the driver's own ledger table. Must return an empty snapshot for a
	// store with zero tables rather than failing.
	Snapshot() (*Snapshot, error)

	// Begin opens the transactional boundary for one forward or backward
	// action.
	Begin() (Tx, error)

	// EnsureLedger creates the ledger storage if it does not exist yet.
	EnsureLedger() error

	// Ledger returns every recorded entry, ordered by entry id.
	Ledger() ([]LedgerEntry, error)

	// Record appends an entry to the ledger. Entries are never updated
	// or deleted; a rollback appends a tombstone.
	Record(LedgerEntry) error

	// Drop deletes everything in the store, ledger included.
	Drop() error
}

// Tx is a single transactional scope around one migration action. Snapshot
// observes uncommitted changes, so callers can verify post-conditions before
// committing and abort the whole action when verification fails.
//
// Stores that auto-commit DDL (MySQL) cannot honor Rollback for statements
// that already ran; each driver documents its guarantees.
type Tx interface {
	// Run executes the statements sequentially, stopping at the first
	// failure.
	Run(stmts []string) error

	Snapshot() (*Snapshot, error)

	Commit() error

	Rollback() error
}

// Open returns a new driver instance for the URL's scheme. The scheme is
// cut off the raw string because some drivers (MySQL) use address forms
// net/url cannot parse.
func Open(url string) (Driver, error) {
	scheme, err := iurl.SchemeFromURL(url)
	if err != nil {
		return nil, err
	}

	driversMu.RLock()
	d, ok := drivers[scheme]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("database driver: unknown driver %v (forgotten import?)", scheme)
	}

	return d.Open(url)
}

func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		panic("Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("Register called twice for driver " + name)
	}
	drivers[name] = driver
}

// List returns the names of the registered drivers, sorted.
func List() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
