// Package evolve applies declarative schema migrations to relational stores.
// Each migration is a Descriptor with an identity, forward and optional
// backward statements, and a precondition that makes it independently
// idempotent. Stores are defined by the database.Driver interface; drivers
// are kept "dumb", all migration logic is kept in this package.
package evolve

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"

	"github.com/evolvedb/evolve/database"
	iurl "github.com/evolvedb/evolve/internal/url"
)

// DefaultLockTimeout sets the max time a database driver has to acquire a lock.
var DefaultLockTimeout = 15 * time.Second

// Runner applies a Registry against one store. It is designed for a single
// writer: a second runner racing on the same store is rejected by the
// driver's lock, not coordinated with.
type Runner struct {
	registry     *Registry
	databaseName string
	databaseDrv  database.Driver

	// Log accepts a Logger interface
	Log Logger

	// GracefulStop accepts `true` and will stop executing migrations
	// as soon as possible at a safe break point, so that the database
	// is not corrupted.
	GracefulStop chan bool
	isLockedMu   *sync.Mutex

	isGracefulStop bool
	isLocked       bool

	// LockTimeout defaults to DefaultLockTimeout,
	// but can be set per Runner instance.
	LockTimeout time.Duration
}

// New returns a new Runner for the registry and a database URL. The URL
// scheme selects the driver.
func New(registry *Registry, databaseURL string) (*Runner, error) {
	r := newCommon(registry)

	databaseName, err := iurl.SchemeFromURL(databaseURL)
	if err != nil {
		return nil, err
	}
	r.databaseName = databaseName

	databaseDrv, err := database.Open(databaseURL)
	if err != nil {
		return nil, err
	}
	r.databaseDrv = databaseDrv

	return r, nil
}

// NewWithInstance returns a new Runner for the registry and an existing
// driver instance. Use any string that can serve as an identifier during
// logging as databaseName. You are responsible for closing the underlying
// database client if necessary.
func NewWithInstance(registry *Registry, databaseName string, databaseInstance database.Driver) (*Runner, error) {
	r := newCommon(registry)
	r.databaseName = databaseName
	r.databaseDrv = databaseInstance
	return r, nil
}

func newCommon(registry *Registry) *Runner {
	return &Runner{
		registry:     registry,
		GracefulStop: make(chan bool, 1),
		LockTimeout:  DefaultLockTimeout,
		isLockedMu:   &sync.Mutex{},
	}
}

// Close closes the underlying database driver.
func (r *Runner) Close() error {
	r.logVerbosePrintf("Closing database\n")
	return r.databaseDrv.Close()
}

// ApplyPending applies every descriptor in registry order whose change is
// not yet present, inside per-descriptor transactions, verifying each
// post-condition before commit. The run halts at the first failure: later
// migrations are assumed to depend on earlier ones. The returned report is
// valid even when err is non-nil. Returns ErrNoChange when nothing was left
// to do.
func (r *Runner) ApplyPending() (*RunReport, error) {
	return r.apply("")
}

// ApplyTo is ApplyPending bounded to the descriptors up to and including
// target.
func (r *Runner) ApplyTo(target string) (*RunReport, error) {
	if _, ok := r.registry.Get(target); !ok {
		return nil, UnknownMigrationError{ID: target}
	}
	return r.apply(target)
}

func (r *Runner) apply(target string) (*RunReport, error) {
	if err := r.lock(); err != nil {
		return nil, err
	}

	report := &RunReport{}
	err := r.applyLocked(target, report)
	return report, r.unlockErr(err)
}

func (r *Runner) applyLocked(target string, report *RunReport) error {
	if err := r.databaseDrv.EnsureLedger(); err != nil {
		return err
	}

	entries, err := r.databaseDrv.Ledger()
	if err != nil {
		return err
	}
	applied := appliedSet(entries)
	recorded := recordedChecksums(entries)

	for _, d := range r.registry.Descriptors() {
		if r.stop() {
			break
		}

		if applied[d.ID] {
			if sum, ok := recorded[d.ID]; ok && sum != d.Checksum() {
				w := report.warnf("migration %q changed after it was applied", d.ID)
				r.logPrintf("warning: %s\n", w)
			}
			if d.ID == target {
				break
			}
			continue
		}

		start := time.Now()

		// The ledger says nothing about this migration, but the schema
		// may already carry the change (applied manually, or by a run
		// whose ledger write was lost). The snapshot is the source of
		// truth.
		snap, err := r.databaseDrv.Snapshot()
		if err != nil {
			return err
		}
		if !d.Precondition.Pending(snap) {
			r.logVerbosePrintf("Skipping %v: change already present\n", d.ID)
			if err := r.record(d.ID, database.OutcomeSkippedAlreadyPresent, "", ""); err != nil {
				return err
			}
			report.add(d.ID, database.OutcomeSkippedAlreadyPresent, nil, time.Since(start))
			if d.ID == target {
				break
			}
			continue
		}

		outcome, runErr := r.runForward(d)
		report.add(d.ID, outcome, runErr, time.Since(start))
		if runErr != nil {
			return runErr
		}

		r.logPrintf("%v (%v)\n", d.ID, time.Since(start))

		if d.ID == target {
			break
		}
	}

	if len(report.Results) == 0 {
		return ErrNoChange
	}
	return nil
}

// runForward executes one descriptor's forward action inside a transaction
// and verifies the post-condition before committing. Any exit path other
// than a verified commit rolls the transaction back.
func (r *Runner) runForward(d *Descriptor) (database.Outcome, error) {
	runErr := func() error {
		tx, err := r.databaseDrv.Begin()
		if err != nil {
			return err
		}

		if err := tx.Run(d.Forward); err != nil {
			return rollbackErr(tx, err)
		}

		post, err := tx.Snapshot()
		if err != nil {
			return rollbackErr(tx, err)
		}
		if d.Precondition.Pending(post) {
			return rollbackErr(tx, VerificationError{ID: d.ID, Check: d.Precondition.String()})
		}

		return tx.Commit()
	}()

	if runErr != nil {
		outcome := database.OutcomeFailedException
		var verr VerificationError
		if errors.As(runErr, &verr) {
			outcome = database.OutcomeFailedVerification
		} else {
			runErr = ExecutionError{ID: d.ID, Err: runErr}
		}
		if recErr := r.record(d.ID, outcome, runErr.Error(), ""); recErr != nil {
			runErr = multierror.Append(runErr, recErr)
		}
		return outcome, runErr
	}

	if err := r.record(d.ID, database.OutcomeSuccess, "", d.Checksum()); err != nil {
		return database.OutcomeSuccess, err
	}
	return database.OutcomeSuccess, nil
}

// RollbackOne reverts a single applied migration. An empty id targets the
// most recently applied one. Rolling back anything but the latest applied
// migration requires force, because later migrations may depend on the
// change being reverted; a forced out-of-order rollback is logged as a
// warning. The ledger keeps the original success entry and gains a
// rolled-back tombstone.
func (r *Runner) RollbackOne(id string, force bool) error {
	if err := r.lock(); err != nil {
		return err
	}
	return r.unlockErr(r.rollbackLocked(id, force))
}

func (r *Runner) rollbackLocked(id string, force bool) error {
	if err := r.databaseDrv.EnsureLedger(); err != nil {
		return err
	}

	entries, err := r.databaseDrv.Ledger()
	if err != nil {
		return err
	}
	applied := appliedSet(entries)

	latest := ""
	for _, d := range r.registry.Descriptors() {
		if applied[d.ID] {
			latest = d.ID
		}
	}

	if id == "" {
		if latest == "" {
			return ErrNoChange
		}
		id = latest
	}

	d, ok := r.registry.Get(id)
	if !ok {
		return UnknownMigrationError{ID: id}
	}
	if !d.Reversible() {
		return NotReversibleError{ID: d.ID}
	}
	if id != latest {
		if !force {
			return OutOfOrderRollbackError{ID: id, Latest: latest}
		}
		r.logPrintf("warning: rolling back %v out of order (latest applied is %v)\n", id, latest)
	}

	snap, err := r.databaseDrv.Snapshot()
	if err != nil {
		return err
	}
	if d.Precondition.Pending(snap) {
		// Change is not present; nothing to revert.
		return PreconditionError{ID: d.ID, Check: d.Precondition.String()}
	}

	runErr := func() error {
		tx, err := r.databaseDrv.Begin()
		if err != nil {
			return err
		}

		if err := tx.Run(d.Backward); err != nil {
			return rollbackErr(tx, err)
		}

		post, err := tx.Snapshot()
		if err != nil {
			return rollbackErr(tx, err)
		}
		if !d.Precondition.Pending(post) {
			// Backward ran but the change is still observable.
			return rollbackErr(tx, VerificationError{ID: d.ID, Check: d.Precondition.String()})
		}

		return tx.Commit()
	}()

	if runErr != nil {
		var verr VerificationError
		if !errors.As(runErr, &verr) {
			runErr = ExecutionError{ID: d.ID, Err: runErr}
		}
		return runErr
	}

	r.logPrintf("Rolled back %v\n", d.ID)
	return r.record(d.ID, database.OutcomeRolledBack, "", "")
}

// MigrationStatus joins a descriptor with its ledger history and its live
// pending-ness.
type MigrationStatus struct {
	MigrationID string
	Sequence    uint
	Applied     bool
	Pending     bool
	LastOutcome database.Outcome
	AppliedAt   time.Time
}

// Status reports, for every descriptor in order, whether the ledger
// considers it applied and whether a fresh snapshot still reports its change
// as pending. Takes no lock; creates the ledger table if it does not exist
// yet so a fresh store reports every migration as pending.
func (r *Runner) Status() ([]MigrationStatus, error) {
	if err := r.databaseDrv.EnsureLedger(); err != nil {
		return nil, err
	}
	entries, err := r.databaseDrv.Ledger()
	if err != nil {
		return nil, err
	}
	applied := appliedSet(entries)

	last := make(map[string]database.LedgerEntry, len(entries))
	for _, e := range entries {
		last[e.MigrationID] = e
	}

	snap, err := r.databaseDrv.Snapshot()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, r.registry.Len())
	for _, d := range r.registry.Descriptors() {
		s := MigrationStatus{
			MigrationID: d.ID,
			Sequence:    d.Sequence,
			Applied:     applied[d.ID],
			Pending:     d.Precondition.Pending(snap),
		}
		if e, ok := last[d.ID]; ok {
			s.LastOutcome = e.Outcome
			s.AppliedAt = e.AppliedAt
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// Drop deletes everything in the database, ledger included.
func (r *Runner) Drop() error {
	if err := r.lock(); err != nil {
		return err
	}
	if err := r.databaseDrv.Drop(); err != nil {
		return r.unlockErr(err)
	}
	return r.unlock()
}

func (r *Runner) record(id string, outcome database.Outcome, detail, checksum string) error {
	return r.databaseDrv.Record(database.LedgerEntry{
		EntryID:     ulid.Make().String(),
		MigrationID: id,
		Outcome:     outcome,
		AppliedAt:   time.Now().UTC(),
		ErrorDetail: detail,
		Checksum:    checksum,
	})
}

// rollbackErr aborts tx and appends any rollback failure to err.
func rollbackErr(tx database.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return multierror.Append(err, rbErr)
	}
	return err
}

// appliedSet replays the ledger in entry order. Success and
// skipped-already-present mark an id as applied, a rolled-back tombstone
// clears it, failures leave it unapplied.
func appliedSet(entries []database.LedgerEntry) map[string]bool {
	applied := make(map[string]bool)
	for _, e := range entries {
		switch e.Outcome {
		case database.OutcomeSuccess, database.OutcomeSkippedAlreadyPresent:
			applied[e.MigrationID] = true
		case database.OutcomeRolledBack:
			delete(applied, e.MigrationID)
		}
	}
	return applied
}

// recordedChecksums returns the forward checksum recorded with each id's
// most recent success entry. Skip entries record no checksum and are left
// out.
func recordedChecksums(entries []database.LedgerEntry) map[string]string {
	sums := make(map[string]string)
	for _, e := range entries {
		if e.Outcome == database.OutcomeSuccess && e.Checksum != "" {
			sums[e.MigrationID] = e.Checksum
		}
	}
	return sums
}

// stop returns true if no more migrations should be run against the database
// because a stop signal was received on the GracefulStop channel.
// Calls are cheap and this function is not blocking.
func (r *Runner) stop() bool {
	if r.isGracefulStop {
		return true
	}

	select {
	case <-r.GracefulStop:
		r.isGracefulStop = true
		return true

	default:
		return false
	}
}

// lock is a thread safe helper function to lock the database.
// It should be called as late as possible when running migrations.
func (r *Runner) lock() error {
	r.isLockedMu.Lock()
	defer r.isLockedMu.Unlock()

	if r.isLocked {
		return ErrLocked
	}

	// create done channel, used in the timeout goroutine
	done := make(chan bool, 1)
	defer func() {
		done <- true
	}()

	// use errchan to signal error back to this context
	errchan := make(chan error, 2)

	// start timeout goroutine
	timeout := time.After(r.LockTimeout)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-timeout:
				errchan <- ErrLockTimeout
				return
			}
		}
	}()

	// now try to acquire the lock
	go func() {
		if err := r.databaseDrv.Lock(); err != nil {
			errchan <- err
		} else {
			errchan <- nil
		}
	}()

	// wait until we either receive ErrLockTimeout or error from Lock operation
	err := <-errchan
	if err == nil {
		r.isLocked = true
	}
	return err
}

// unlock is a thread safe helper function to unlock the database.
// It should be called as early as possible when no more migrations are
// expected to be executed.
func (r *Runner) unlock() error {
	r.isLockedMu.Lock()
	defer r.isLockedMu.Unlock()

	if err := r.databaseDrv.Unlock(); err != nil {
		// BUG: Can potentially create a deadlock. Add a timeout.
		return err
	}

	r.isLocked = false
	return nil
}

// unlockErr calls unlock and returns a combined error
// if a prevErr is not nil.
func (r *Runner) unlockErr(prevErr error) error {
	if err := r.unlock(); err != nil {
		return multierror.Append(prevErr, err)
	}
	return prevErr
}

// logPrintf writes to r.Log if not nil
func (r *Runner) logPrintf(format string, v ...interface{}) {
	if r.Log != nil {
		r.Log.Printf(format, v...)
	}
}

// logVerbosePrintf writes to r.Log if not nil. Use for verbose logging output.
func (r *Runner) logVerbosePrintf(format string, v ...interface{}) {
	if r.Log != nil && r.Log.Verbose() {
		r.Log.Printf(format, v...)
	}
}
