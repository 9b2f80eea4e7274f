package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed"
	EnrollmentFailed    = "failed"
)

// Email event kinds
const (
	EventSent    = "sent"
	EventOpened  = "opened"
	EventClicked = "clicked"
	EventReplied = "replied"
)

// Step execution outcomes
const (
	ExecutionSent     = "sent"
	ExecutionAdvanced = "advanced"
	ExecutionWaiting  = "waiting"
	ExecutionSkipped  = "skipped"
)

// Enrollment is one contact's run through one sequence. It is mutated only by
// the sequence engine (one mutation per successful step transition) or by
// explicit pause/resume.
type Enrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	ContactID  uint `gorm:"not null;index" json:"contact_id"`
	UserID     uint `gorm:"not null;index" json:"user_id"`

	CurrentStepID string `gorm:"not null" json:"current_step_id"`
	Status        string `gorm:"not null;default:'active';index" json:"status"`

	// Threading state for the provider conversation
	ThreadID            string     `json:"thread_id"`
	LastMessageIDHeader string     `json:"last_message_id_header"` // angle-bracket Message-ID of the last sent message
	LastEmailSentAt     *time.Time `json:"last_email_sent_at"`

	// Scheduling: nil wake_at means immediately eligible
	WakeAt *time.Time `gorm:"index" json:"wake_at"`

	// Reply tracking
	ReplyCount    int        `gorm:"default:0" json:"reply_count"`
	LastRepliedAt *time.Time `json:"last_replied_at"`

	// Failure tracking
	FailureCount int     `gorm:"default:0" json:"failure_count"`
	LastError    *string `json:"last_error"`

	// Claim marker for per-enrollment mutual exclusion. A worker owns the
	// enrollment for one cycle iff it set these via a conditional update.
	ProcessingAt *time.Time `json:"-"`
	ClaimToken   string     `json:"-"`

	// Relations
	Sequence Sequence `json:"-"`
	Contact  Contact  `json:"-"`
}

// StepExecution is the append-only idempotency and audit record. A committed
// row for (enrollment_id, step_id) is the authority for "already executed".
type StepExecution struct {
	gorm.Model
	EnrollmentID uint   `gorm:"not null;uniqueIndex:idx_enrollment_step" json:"enrollment_id"`
	StepID       string `gorm:"not null;uniqueIndex:idx_enrollment_step" json:"step_id"`

	Outcome      string    `gorm:"not null" json:"outcome"`
	AttemptToken string    `gorm:"not null" json:"attempt_token"`
	ExecutedAt   time.Time `gorm:"not null" json:"executed_at"`

	// Degraded-send bookkeeping: set when a follow-up went out without quoted
	// thread history after the fetch retry was exhausted.
	Degraded      bool   `gorm:"default:false" json:"degraded"`
	FailureReason string `json:"failure_reason"`

	// Relations
	Enrollment Enrollment `json:"-"`
}

// EmailEvent is the append-only signal log. Reply detection writes REPLIED
// rows here and the condition evaluator only ever reads them; there is no
// shared mutable reply flag anywhere else.
type EmailEvent struct {
	gorm.Model
	ContactID    uint   `gorm:"not null;index" json:"contact_id"`
	SequenceID   uint   `gorm:"not null;index" json:"sequence_id"`
	EnrollmentID uint   `gorm:"index" json:"enrollment_id"`
	Kind         string `gorm:"not null;index" json:"kind"` // sent, opened, clicked, replied

	RelatedStepID string `gorm:"index" json:"related_step_id"`
	MessageID     string `gorm:"index" json:"message_id"`      // provider message ID
	TrackingToken string `gorm:"index" json:"tracking_token"`  // opaque token embedded in tracking URLs
	EventData     string `gorm:"type:jsonb" json:"event_data"`

	// Relations
	Contact  Contact  `json:"-"`
	Sequence Sequence `json:"-"`
}
