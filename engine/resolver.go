package engine

import "mailflow/models"

// ResolutionKind is the outcome of resolving a step's successor.
type ResolutionKind int

const (
	// ResolvedNext means the successor step exists and execution continues there.
	ResolvedNext ResolutionKind = iota
	// ResolvedTerminal means the current step declares no successor.
	ResolvedTerminal
	// ResolvedUnresolvable means the current step or its declared successor is
	// absent from the step set. Callers must treat this as a fatal
	// data-integrity condition, never as "fall through to the next array slot".
	ResolvedUnresolvable
)

// Resolution is the result of ResolveNext.
type Resolution struct {
	Kind       ResolutionKind
	NextStepID string
	Detail     string
}

// ResolveNext determines the successor of currentStepID purely from the
// explicit ID references stored on the step. For condition steps the caller
// supplies the evaluated branch outcome; for every other kind branch must be
// nil. Successors are never derived from slice position.
func ResolveNext(seq *models.Sequence, currentStepID string, branch *bool) Resolution {
	step, ok := seq.StepByID(currentStepID)
	if !ok {
		return Resolution{Kind: ResolvedUnresolvable, Detail: "current step not in sequence"}
	}

	var nextID string
	switch step.Kind {
	case models.StepKindCondition:
		if branch == nil {
			return Resolution{Kind: ResolvedUnresolvable, Detail: "condition step resolved without branch outcome"}
		}
		if *branch {
			nextID = step.TrueNextStepID
		} else {
			nextID = step.FalseNextStepID
		}
	case models.StepKindEmail, models.StepKindDelay:
		if branch != nil {
			return Resolution{Kind: ResolvedUnresolvable, Detail: "branch outcome supplied for non-condition step"}
		}
		nextID = step.NextStepID
	default:
		return Resolution{Kind: ResolvedUnresolvable, Detail: "unknown step kind " + step.Kind}
	}

	if nextID == "" {
		return Resolution{Kind: ResolvedTerminal}
	}
	if _, ok := seq.StepByID(nextID); !ok {
		return Resolution{Kind: ResolvedUnresolvable, NextStepID: nextID, Detail: "successor not in sequence"}
	}
	return Resolution{Kind: ResolvedNext, NextStepID: nextID}
}
