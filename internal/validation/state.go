// Package validation holds the validation lifecycle: a pure state machine
// over severity counts, and the summary type embedded in change requests.
package validation

import (
	"fmt"

	"github.com/quarrydata/quarry/internal/rules"
)

// State of a validation run.
type State string

const (
	StateNotStarted  State = "NOT_STARTED"
	StateInProgress  State = "IN_PROGRESS"
	StateFailed      State = "FAILED"
	StatePartialPass State = "PARTIAL_PASS"
	StatePassed      State = "PASSED"
)

// Summary is the validation result embedded in a CR.
type Summary struct {
	State    State         `json:"state"`
	Counts   rules.Counts  `json:"counts"`
	Messages []rules.Issue `json:"messages,omitempty"`
}

// NewSummary builds a summary from issues, completing the run in one step.
func NewSummary(issues []rules.Issue) Summary {
	counts := rules.Summarize(issues)
	return Summary{
		State:    Complete(counts),
		Counts:   counts,
		Messages: issues,
	}
}

// Start transitions any state to IN_PROGRESS. Every trigger restarts the
// run; there is no terminal validation state.
func Start(State) State { return StateInProgress }

// Complete resolves IN_PROGRESS from the observed counts.
func Complete(c rules.Counts) State {
	switch {
	case c.Fatal > 0 || c.Error > 0:
		return StateFailed
	case c.Warning > 0:
		return StatePartialPass
	default:
		return StatePassed
	}
}

// Override applies an approver override: PARTIAL_PASS becomes PASSED,
// everything else is rejected.
func Override(s State) (State, error) {
	if s != StatePartialPass {
		return s, fmt.Errorf("override only applies to %s, not %s", StatePartialPass, s)
	}
	return StatePassed, nil
}

// CanProceed reports whether the state allows submission for review.
func CanProceed(s State) bool {
	return s == StatePassed || s == StatePartialPass
}

// CanMerge reports whether the state allows a merge commit. PARTIAL_PASS
// merges only through an explicit recorded override, which moves the state
// to PASSED first.
func CanMerge(s State) bool {
	return s == StatePassed
}
