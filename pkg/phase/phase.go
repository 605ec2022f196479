// Package phase implements the UWS execution-phase state machine.
//
// A job moves through a small set of phases with a fixed transition table.
// The table is only consulted for normal transitions; restoration from a
// persisted snapshot uses forced transitions that bypass it.
package phase

import "fmt"

// Phase is the execution phase of a job.
//
// NOTE: These values are persisted in job.json snapshots and are part of
// the stable on-disk contract.
type Phase string

const (
	Pending   Phase = "PENDING"
	Queued    Phase = "QUEUED"
	Executing Phase = "EXECUTING"
	Completed Phase = "COMPLETED"
	Aborted   Phase = "ABORTED"
	Error     Phase = "ERROR"
	Held      Phase = "HELD"
	Unknown   Phase = "UNKNOWN"
	Archived  Phase = "ARCHIVED"
)

// transitions lists the legal next phases for each phase in non-forced mode.
var transitions = map[Phase][]Phase{
	Pending:   {Queued, Aborted, Held},
	Queued:    {Executing, Aborted, Held},
	Executing: {Completed, Aborted, Error, Held},
	Held:      {Queued},
	Completed: {Archived},
	Aborted:   {Archived},
	Error:     {Archived},
}

// TransitionError reports an illegal non-forced phase transition.
// The job that attempted it is left unchanged.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition: %s -> %s", e.From, e.To)
}

// Validate checks whether the transition from cur to next is legal in
// non-forced mode. A transition to the current phase is always allowed.
func Validate(cur, next Phase) error {
	if cur == next {
		return nil
	}
	for _, p := range transitions[cur] {
		if p == next {
			return nil
		}
	}
	return &TransitionError{From: cur, To: next}
}

// IsFinished reports whether p is a terminal phase.
func (p Phase) IsFinished() bool {
	switch p {
	case Completed, Aborted, Error, Archived:
		return true
	}
	return false
}

// IsExecuting reports whether a worker is currently running.
func (p Phase) IsExecuting() bool { return p == Executing }

// IsUpdatable reports whether the job's parameters may be freely changed.
// Only a job that has not yet been queued accepts arbitrary updates.
func (p Phase) IsUpdatable() bool { return p == Pending }

// Parse returns the Phase named by s, or Unknown with an error if s does
// not name a phase.
func Parse(s string) (Phase, error) {
	switch Phase(s) {
	case Pending, Queued, Executing, Completed, Aborted, Error, Held, Unknown, Archived:
		return Phase(s), nil
	}
	return Unknown, fmt.Errorf("invalid phase: %q", s)
}
