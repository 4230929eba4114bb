package run

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no current run exists.
var ErrNotFound = errors.New("run not found")

// ErrCorrupt is returned when the run document exists but fails to parse.
// The store never reinitializes over a corrupt document; that would destroy
// the resumability guarantee.
var ErrCorrupt = errors.New("run state corrupt")

// PrerequisiteError reports a phase transition attempted before the
// preceding phase completed.
type PrerequisiteError struct {
	Phase   string
	Missing string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("phase %q cannot start: phase %q is not complete", e.Phase, e.Missing)
}

// InvalidTransitionError reports a disallowed phase status change.
type InvalidTransitionError struct {
	Phase string
	From  PhaseStatus
	To    PhaseStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("phase %q: invalid transition %s -> %s", e.Phase, e.From, e.To)
}
