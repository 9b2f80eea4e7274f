package engine

import (
	"context"
	"errors"
	"time"

	"mailflow/models"
)

// ErrNotEligible is returned by ClaimEnrollment when the enrollment exists but
// is not claimable: paused, terminal, or not yet due. The status re-check
// happens under the same atomic operation as the claim so an external pause
// takes effect before the next advance.
var ErrNotEligible = errors.New("enrollment not eligible for processing")

// Store is the persistence contract the engine runs against. The production
// implementation lives in the store package on GORM/Postgres; tests substitute
// an in-memory fake.
type Store interface {
	// DueEnrollmentIDs selects up to limit active enrollments whose wake_at is
	// null or elapsed.
	DueEnrollmentIDs(ctx context.Context, now time.Time, limit int) ([]uint, error)

	// ClaimEnrollment atomically asserts exclusive rights to advance one
	// enrollment for this cycle: it flips the processing marker with token in a
	// conditional update that re-checks status and due time. Losing the race
	// returns ErrConcurrencyConflict; an ineligible row returns ErrNotEligible.
	ClaimEnrollment(ctx context.Context, id uint, token string, now time.Time) (*models.Enrollment, error)

	// ReleaseClaim clears the processing marker without mutating state, for
	// paths that end without a committed transition.
	ReleaseClaim(ctx context.Context, id uint, token string) error

	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	GetContact(ctx context.Context, id uint) (*models.Contact, error)
	GetSender(ctx context.Context, id uint) (*models.Sender, error)

	// HasStepExecution reports whether a committed StepExecution exists for
	// (enrollmentID, stepID). A committed row is the authority for "already
	// executed".
	HasStepExecution(ctx context.Context, enrollmentID uint, stepID string) (bool, error)

	// SentEventFor returns the SENT event tied to stepID for the enrollment, or
	// nil when the step never sent.
	SentEventFor(ctx context.Context, enrollmentID uint, stepID string) (*models.EmailEvent, error)

	// CountRepliesBetween counts REPLIED events for (contactID, sequenceID)
	// with after < created_at <= until.
	CountRepliesBetween(ctx context.Context, contactID, sequenceID uint, after, until time.Time) (int64, error)

	// CommitTransition persists one step transition atomically: the enrollment
	// mutation, the optional StepExecution and any events commit in a single
	// transaction, guarded by the claim token. The claim is released as part of
	// the same transaction.
	CommitTransition(ctx context.Context, enr *models.Enrollment, claimToken string, exec *models.StepExecution, events []models.EmailEvent) error

	// CreateEnrollment inserts a new enrollment at the sequence's entry step.
	// Returns false without error when the contact is already enrolled.
	CreateEnrollment(ctx context.Context, enr *models.Enrollment) (bool, error)

	IncrementSenderUsage(ctx context.Context, senderID uint) error
}
