package evolve

import (
	"crypto/sha256"
	"encoding/hex"
)

// Descriptor declares one schema change. Descriptors are authored statically
// and loaded into a Registry at process start; the runner decides at run
// time which ones still need to be applied.
type Descriptor struct {
	// ID is the stable ledger key, e.g. "add_timezone_column". Once a
	// success entry for an ID exists in a ledger, the forward content
	// registered under it must not change; the runner flags drift.
	ID string

	// Sequence fixes the descriptor's position in the total order.
	// Ordering is always explicit, never file-discovery order.
	Sequence uint

	// Forward statements, executed in one transaction.
	Forward []string

	// Backward statements undoing Forward. Empty means the migration is
	// not reversible.
	Backward []string

	// Precondition is true while the change still needs to be applied.
	// It doubles as the post-condition: after Forward runs it must
	// report false, and after Backward runs it must report true again.
	Precondition Condition
}

// Reversible reports whether the descriptor has a backward action.
func (d *Descriptor) Reversible() bool {
	return len(d.Backward) > 0
}

// Checksum fingerprints the forward statements. Recorded in success ledger
// entries so a descriptor edited after being applied can be detected.
func (d *Descriptor) Checksum() string {
	h := sha256.New()
	for _, stmt := range d.Forward {
		h.Write([]byte(stmt))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Descriptor) validate() error {
	if d.ID == "" {
		return InvalidDescriptorError{Reason: "empty id"}
	}
	if len(d.Forward) == 0 {
		return InvalidDescriptorError{ID: d.ID, Reason: "no forward statements"}
	}
	if d.Precondition == nil {
		return InvalidDescriptorError{ID: d.ID, Reason: "no precondition"}
	}
	return nil
}
