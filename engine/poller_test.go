package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/models"
)

func TestProcessDueCounts(t *testing.T) {
	st, ad, clock := newFixture()
	eng := newTestEngine(st, ad, clock)
	p := NewPoller(eng, st, quietLogger(), 2)

	due := activeEnrollment(st, "intro")

	future := clock.Now().Add(time.Hour)
	notDue := st.addEnrollment(models.Enrollment{
		SequenceID: 1, ContactID: 10, CurrentStepID: "intro",
		Status: models.EnrollmentActive, WakeAt: &future,
	})

	st.addEnrollment(models.Enrollment{
		SequenceID: 1, ContactID: 10, CurrentStepID: "intro",
		Status: models.EnrollmentCompleted,
	})

	counts, err := p.ProcessDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Advanced)
	assert.Equal(t, 0, counts.Failed)

	assert.Equal(t, "wait", st.enrollment(due.ID).CurrentStepID)
	assert.Equal(t, "intro", st.enrollment(notDue.ID).CurrentStepID)
	assert.Len(t, ad.sentMessages(), 1)
}

func TestProcessDueEmptyBatch(t *testing.T) {
	st, ad, clock := newFixture()
	p := NewPoller(newTestEngine(st, ad, clock), st, quietLogger(), 2)

	counts, err := p.ProcessDue(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestConditionChasingRunsNextStepSameTick(t *testing.T) {
	st, ad, clock := newFixture()
	eng := newTestEngine(st, ad, clock)
	p := NewPoller(eng, st, quietLogger(), 1)

	// Positioned at the condition with the intro already sent and unanswered:
	// the condition resolves to the bump and the bump sends in the same tick.
	enr := activeEnrollment(st, "check-reply")
	anchor := models.EmailEvent{
		ContactID: 10, SequenceID: 1, EnrollmentID: enr.ID,
		Kind: models.EventSent, RelatedStepID: "intro",
	}
	anchor.CreatedAt = clock.Now().Add(-time.Hour)
	st.addEvent(anchor)

	res, err := p.ProcessSingle(context.Background(), enr.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, ad.sentMessages(), 1)
	assert.Equal(t, models.EnrollmentCompleted, st.enrollment(enr.ID).Status)
}

func TestConditionChaseBounded(t *testing.T) {
	st, ad, clock := newFixture()

	// Two conditions referencing the same anchor that route to each other.
	seq := &models.Sequence{
		UserID: 1, SenderID: 1, EntryStepID: "c1",
		Steps: []models.SequenceStep{
			{ID: "c1", Kind: models.StepKindCondition, PredicateKind: models.PredicateNotReplied, ReferenceStepID: "e", TrueNextStepID: "c2"},
			{ID: "c2", Kind: models.StepKindCondition, PredicateKind: models.PredicateNotReplied, ReferenceStepID: "e", TrueNextStepID: "c1"},
			{ID: "e", Kind: models.StepKindEmail},
		},
	}
	seq.ID = 2
	st.sequences[seq.ID] = seq

	enr := st.addEnrollment(models.Enrollment{
		SequenceID: 2, ContactID: 10, CurrentStepID: "c1", Status: models.EnrollmentActive,
	})
	anchor := models.EmailEvent{ContactID: 10, SequenceID: 2, EnrollmentID: enr.ID, Kind: models.EventSent, RelatedStepID: "e"}
	anchor.CreatedAt = clock.Now().Add(-time.Hour)
	st.addEvent(anchor)

	p := NewPoller(newTestEngine(st, ad, clock), st, quietLogger(), 1)
	res, err := p.ProcessSingle(context.Background(), enr.ID)
	require.NoError(t, err)

	// The chase terminates instead of spinning; the enrollment stays active
	// for the next tick.
	assert.Equal(t, OutcomeAdvanced, res.Outcome)
	assert.Equal(t, models.EnrollmentActive, st.enrollment(enr.ID).Status)
}

func TestOverlappingRunsDoNotDoubleProcess(t *testing.T) {
	st, ad, clock := newFixture()
	eng := newTestEngine(st, ad, clock)
	enr := activeEnrollment(st, "intro")

	// Simulate an overlapping worker holding the claim.
	held := clock.Now()
	st.mu.Lock()
	st.enrollments[enr.ID].ProcessingAt = &held
	st.enrollments[enr.ID].ClaimToken = "other"
	st.mu.Unlock()

	p := NewPoller(eng, st, quietLogger(), 2)
	counts, err := p.ProcessDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Skipped)
	assert.Empty(t, ad.sentMessages())
}
