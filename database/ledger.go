package database

import "time"

// Outcome classifies how the runner disposed of one descriptor.
type Outcome string

const (
	OutcomeSuccess               Outcome = "success"
	OutcomeSkippedAlreadyPresent Outcome = "skipped-already-present"
	OutcomeFailedVerification    Outcome = "failed-verification"
	OutcomeFailedException       Outcome = "failed-exception"
	OutcomeRolledBack            Outcome = "rolled-back"
)

// LedgerEntry is one append-only audit record. The ledger never rewrites
// history: rolling a migration back appends an OutcomeRolledBack tombstone
// instead of deleting the success entry.
//
// EntryID is a ULID assigned by the runner, so sorting by it reproduces
// creation order even when AppliedAt timestamps collide.
type LedgerEntry struct {
	EntryID     string
	MigrationID string
	Outcome     Outcome
	AppliedAt   time.Time
	ErrorDetail string
	Checksum    string
}
