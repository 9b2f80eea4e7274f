package engine

import (
	"context"
	"fmt"
	"time"

	"mailflow/models"
)

// ConditionEvaluator answers branch predicates from the email event log. It is
// a deterministic read: identical event rows and an identical now yield the
// same boolean, so concurrent re-evaluation is safe.
type ConditionEvaluator struct {
	store Store
}

func NewConditionEvaluator(store Store) *ConditionEvaluator {
	return &ConditionEvaluator{store: store}
}

// Evaluate runs predicateKind for the enrollment against the reference step.
// The anchor is the SENT event of the reference step; replies are counted in
// the window (sentAt, now]. A missing anchor is an error, never "assume not
// replied".
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, predicateKind string, enr *models.Enrollment, referenceStepID string, now time.Time) (bool, error) {
	switch predicateKind {
	case models.PredicateNotReplied, models.PredicateReplied:
	default:
		return false, fmt.Errorf("unknown predicate kind %q", predicateKind)
	}

	anchor, err := ce.store.SentEventFor(ctx, enr.ID, referenceStepID)
	if err != nil {
		return false, fmt.Errorf("load sent anchor for step %q: %w", referenceStepID, err)
	}
	if anchor == nil {
		return false, fmt.Errorf("step %q: %w", referenceStepID, ErrMissingAnchor)
	}

	replies, err := ce.store.CountRepliesBetween(ctx, enr.ContactID, enr.SequenceID, anchor.CreatedAt, now)
	if err != nil {
		return false, fmt.Errorf("count replies: %w", err)
	}

	if predicateKind == models.PredicateReplied {
		return replies > 0, nil
	}
	return replies == 0, nil
}
