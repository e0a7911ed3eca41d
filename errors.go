package evolve

import (
	"errors"
	"fmt"
)

var (
	ErrNoChange    = errors.New("no change")
	ErrLocked      = errors.New("database locked")
	ErrLockTimeout = errors.New("timeout: can't acquire database lock")
)

// DuplicateIDError means two descriptors were registered under the same id.
// It is fatal at registry construction; the process must refuse to run.
type DuplicateIDError struct {
	ID string
}

func (e DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate migration id %q", e.ID)
}

// DuplicateSequenceError means two descriptors claim the same position in
// the total order.
type DuplicateSequenceError struct {
	Sequence uint
	IDs      [2]string
}

func (e DuplicateSequenceError) Error() string {
	return fmt.Sprintf("migrations %q and %q share sequence %d", e.IDs[0], e.IDs[1], e.Sequence)
}

// InvalidDescriptorError flags a descriptor that cannot be registered, such
// as one missing an id, a forward action or a precondition.
type InvalidDescriptorError struct {
	ID     string
	Reason string
}

func (e InvalidDescriptorError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid migration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid migration %q: %s", e.ID, e.Reason)
}

// UnknownMigrationError means the requested id is not in the registry.
type UnknownMigrationError struct {
	ID string
}

func (e UnknownMigrationError) Error() string {
	return fmt.Sprintf("unknown migration %q", e.ID)
}

// NotReversibleError means a rollback was requested for a descriptor that
// has no backward action.
type NotReversibleError struct {
	ID string
}

func (e NotReversibleError) Error() string {
	return fmt.Sprintf("migration %q has no backward action and cannot be rolled back", e.ID)
}

// VerificationError means an action executed without error but the expected
// schema change is not observable in the post-action snapshot. The enclosing
// transaction is rolled back and the run halts.
type VerificationError struct {
	ID    string
	Check string
}

func (e VerificationError) Error() string {
	return fmt.Sprintf("migration %q ran but its change is not observable (%s)", e.ID, e.Check)
}

// ExecutionError wraps a failure raised by the store while executing an
// action's statements.
type ExecutionError struct {
	ID  string
	Err error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("migration %q failed: %v", e.ID, e.Err)
}

func (e ExecutionError) Unwrap() error {
	return e.Err
}

// PreconditionError means the schema is not in the starting state an
// operation requires, such as rolling back a change that is not present.
type PreconditionError struct {
	ID    string
	Check string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("migration %q: schema not in expected state (%s)", e.ID, e.Check)
}

// OutOfOrderRollbackError rejects rolling back a migration that is not the
// most recently applied one. Later migrations may depend on the change being
// reverted; pass force to override.
type OutOfOrderRollbackError struct {
	ID     string
	Latest string
}

func (e OutOfOrderRollbackError) Error() string {
	return fmt.Sprintf("refusing to roll back %q out of order: latest applied migration is %q (use force to override)", e.ID, e.Latest)
}
