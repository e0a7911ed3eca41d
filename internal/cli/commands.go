package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/evolvedb/evolve"
)

func upCmd(r *evolve.Runner, target string) error {
	var report *evolve.RunReport
	var err error

	if target == "" {
		report, err = r.ApplyPending()
	} else {
		report, err = r.ApplyTo(target)
	}

	if report != nil {
		printReport(report)
	}

	if errors.Is(err, evolve.ErrNoChange) {
		log.Println("no change")
		return nil
	}
	return err
}

func rollbackCmd(r *evolve.Runner, id string, force bool) error {
	err := r.RollbackOne(id, force)
	if errors.Is(err, evolve.ErrNoChange) {
		log.Println("no change")
		return nil
	}
	return err
}

func statusCmd(r *evolve.Runner) error {
	statuses, err := r.Status()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tMIGRATION\tAPPLIED\tPENDING\tLAST OUTCOME\tAPPLIED AT")
	for _, s := range statuses {
		appliedAt := ""
		if !s.AppliedAt.IsZero() {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%v\t%v\t%s\t%s\n",
			s.Sequence, s.MigrationID, s.Applied, s.Pending, s.LastOutcome, appliedAt)
	}
	return w.Flush()
}

func dropCmd(r *evolve.Runner) error {
	return r.Drop()
}

func printReport(report *evolve.RunReport) {
	for _, res := range report.Results {
		log.Println(res.String())
	}
	for _, w := range report.Warnings {
		log.Println("warning:", w)
	}
}
