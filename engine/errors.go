package engine

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict is returned when another worker holds the claim on an
// enrollment. It is not a failure condition: the loser simply skips the
// enrollment for this cycle.
var ErrConcurrencyConflict = errors.New("enrollment claimed by another worker")

// ErrMissingAnchor is returned by the condition evaluator when the reference
// step has no committed SENT event, so there is nothing to measure replies
// against. Treated as a data-integrity failure, never as "assume not replied".
var ErrMissingAnchor = errors.New("reference step has no sent event")

// DataIntegrityError means a step or branch target ID does not exist in the
// sequence's step set. It is fatal for the enrollment: the engine moves it to
// failed instead of guessing a successor.
type DataIntegrityError struct {
	SequenceID uint
	StepID     string
	Detail     string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("sequence %d: step %q: %s", e.SequenceID, e.StepID, e.Detail)
}
