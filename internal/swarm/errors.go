package swarm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExecutorFailure = errors.New("executor failure")
	ErrStuckRun        = errors.New("stuck run")
)

const (
	StuckFailedAncestor  = "failed_ancestor"
	StuckCycleOrDangling = "cycle_or_dangling"
)

// StuckTask is a task that can never become ready. Chains holds one path per
// failed ancestor, running from the failed task down to this one.
type StuckTask struct {
	ID              string     `json:"id"`
	Subject         string     `json:"subject"`
	Reason          string     `json:"reason"`
	FailedAncestors []string   `json:"failed_ancestors,omitempty"`
	Chains          [][]string `json:"chains,omitempty"`
}

type StuckRunError struct {
	ListID string
	Tasks  []StuckTask
}

func (e *StuckRunError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, len(e.Tasks))
	for _, t := range e.Tasks {
		if len(t.FailedAncestors) > 0 {
			parts = append(parts, fmt.Sprintf("%s blocked by failed %s", t.ID, strings.Join(t.FailedAncestors, ",")))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s", t.ID, t.Reason))
	}
	return fmt.Sprintf("%s: list %s: %s", ErrStuckRun, e.ListID, strings.Join(parts, "; "))
}

func (e *StuckRunError) Unwrap() error { return ErrStuckRun }

// FailedTask records an executor failure kept on the run summary.
type FailedTask struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Executor string `json:"executor"`
	Err      error  `json:"-"`
	Error    string `json:"error"`
}
