package evolve

import (
	"fmt"
	"time"

	"github.com/evolvedb/evolve/database"
)

// Result is the disposition of one descriptor during a run.
type Result struct {
	MigrationID string
	Outcome     database.Outcome
	Err         error
	Duration    time.Duration
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.MigrationID, r.Outcome, r.Err)
	}
	return fmt.Sprintf("%s: %s (%v)", r.MigrationID, r.Outcome, r.Duration)
}

// RunReport is the ordered record of everything a run did, surfaced to the
// caller even when the run halts early.
type RunReport struct {
	Results  []Result
	Warnings []string
}

func (r *RunReport) add(id string, outcome database.Outcome, err error, d time.Duration) {
	r.Results = append(r.Results, Result{
		MigrationID: id,
		Outcome:     outcome,
		Err:         err,
		Duration:    d,
	})
}

func (r *RunReport) warnf(format string, v ...interface{}) string {
	w := fmt.Sprintf(format, v...)
	r.Warnings = append(r.Warnings, w)
	return w
}

// Failed reports whether any descriptor failed.
func (r *RunReport) Failed() bool {
	for _, res := range r.Results {
		switch res.Outcome {
		case database.OutcomeFailedException, database.OutcomeFailedVerification:
			return true
		}
	}
	return false
}

// Applied counts the descriptors that ran to success.
func (r *RunReport) Applied() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == database.OutcomeSuccess {
			n++
		}
	}
	return n
}
