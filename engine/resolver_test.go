package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailflow/models"
)

func resolverSequence() *models.Sequence {
	return &models.Sequence{
		EntryStepID: "a",
		Steps: []models.SequenceStep{
			{ID: "a", Kind: models.StepKindEmail, NextStepID: "b"},
			{ID: "b", Kind: models.StepKindDelay, DelayMinutes: 5, NextStepID: "c"},
			{ID: "c", Kind: models.StepKindCondition, TrueNextStepID: "d", FalseNextStepID: ""},
			{ID: "d", Kind: models.StepKindEmail},
		},
	}
}

func branch(v bool) *bool { return &v }

func TestResolveNextFollowsExplicitIDs(t *testing.T) {
	seq := resolverSequence()

	res := ResolveNext(seq, "a", nil)
	assert.Equal(t, ResolvedNext, res.Kind)
	assert.Equal(t, "b", res.NextStepID)

	res = ResolveNext(seq, "b", nil)
	assert.Equal(t, ResolvedNext, res.Kind)
	assert.Equal(t, "c", res.NextStepID)
}

func TestResolveNextConditionBranches(t *testing.T) {
	seq := resolverSequence()

	res := ResolveNext(seq, "c", branch(true))
	assert.Equal(t, ResolvedNext, res.Kind)
	assert.Equal(t, "d", res.NextStepID)

	// Empty false branch is terminal, not an error.
	res = ResolveNext(seq, "c", branch(false))
	assert.Equal(t, ResolvedTerminal, res.Kind)
}

func TestResolveNextTerminalStep(t *testing.T) {
	res := ResolveNext(resolverSequence(), "d", nil)
	assert.Equal(t, ResolvedTerminal, res.Kind)
}

func TestResolveNextIgnoresSlicePosition(t *testing.T) {
	// Steps deliberately stored out of execution order: resolution must follow
	// the ID references, not adjacency.
	seq := &models.Sequence{
		Steps: []models.SequenceStep{
			{ID: "last", Kind: models.StepKindEmail},
			{ID: "first", Kind: models.StepKindEmail, NextStepID: "last"},
			{ID: "decoy", Kind: models.StepKindEmail},
		},
	}
	res := ResolveNext(seq, "first", nil)
	assert.Equal(t, ResolvedNext, res.Kind)
	assert.Equal(t, "last", res.NextStepID)
}

func TestResolveNextUnresolvable(t *testing.T) {
	seq := resolverSequence()

	res := ResolveNext(seq, "missing", nil)
	assert.Equal(t, ResolvedUnresolvable, res.Kind)

	seq.Steps[0].NextStepID = "ghost"
	res = ResolveNext(seq, "a", nil)
	assert.Equal(t, ResolvedUnresolvable, res.Kind)
	assert.Equal(t, "ghost", res.NextStepID)
	assert.Contains(t, res.Detail, "successor not in sequence")
}

func TestResolveNextBranchDiscipline(t *testing.T) {
	seq := resolverSequence()

	// Condition without an evaluated branch cannot resolve.
	res := ResolveNext(seq, "c", nil)
	assert.Equal(t, ResolvedUnresolvable, res.Kind)

	// Non-condition steps must not receive a branch.
	res = ResolveNext(seq, "a", branch(true))
	assert.Equal(t, ResolvedUnresolvable, res.Kind)
}

func TestResolveNextUnknownKind(t *testing.T) {
	seq := &models.Sequence{Steps: []models.SequenceStep{{ID: "x", Kind: "webhook"}}}
	res := ResolveNext(seq, "x", nil)
	assert.Equal(t, ResolvedUnresolvable, res.Kind)
	assert.Contains(t, res.Detail, "unknown step kind")
}
