package main

import (
	"fmt"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/orchestrator"
)

// updateSummary tallies the outcomes of one update command.
type updateSummary struct {
	Total     int
	Completed int
	Cancelled int
	Failures  []*dfu.Error
}

func summarize(results []orchestrator.Result) updateSummary {
	s := updateSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Failed():
			s.Failures = append(s.Failures, r.Err)
		case r.Completed():
			s.Completed++
		default:
			s.Cancelled++
		}
	}
	return s
}

func (s updateSummary) String() string {
	return fmt.Sprintf("Updated %d of %d targets (%d failed, %d cancelled)",
		s.Completed, s.Total, len(s.Failures), s.Cancelled)
}

// Err returns an *UpdateFailedError when any target failed.
func (s updateSummary) Err() error {
	if len(s.Failures) == 0 {
		return nil
	}
	return &UpdateFailedError{Total: s.Total, Failures: s.Failures}
}
