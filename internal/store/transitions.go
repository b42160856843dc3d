package store

import "strings"

// Allowed status transitions:
//
//	pending        -> running
//	running        -> completed | failed | needs_decision
//	needs_decision -> running | completed | failed
//
// completed and failed are terminal.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted:     true,
		StatusFailed:        true,
		StatusNeedsDecision: true,
	},
	StatusNeedsDecision: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s TaskStatus) bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidateTransition rejects any move not in the table. A same-status
// "transition" is accepted so patches can repeat the current status.
func ValidateTransition(from, to TaskStatus) error {
	if from == to && !IsTerminal(from) {
		return nil
	}
	if !validTransitions[from][to] {
		return &IllegalTransitionError{From: from, To: to}
	}
	return nil
}

// terminalDecisions finish a paused task instead of resuming it.
var terminalDecisions = map[string]bool{
	"skip": true,
	"done": true,
}

// IsTerminalDecision reports whether a decision completes the task.
func IsTerminalDecision(decision string) bool {
	return terminalDecisions[strings.ToLower(strings.TrimSpace(decision))]
}
