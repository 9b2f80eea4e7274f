package models

import "gorm.io/gorm"

// Step kinds
const (
	StepKindEmail     = "email"
	StepKindDelay     = "delay"
	StepKindCondition = "condition"
)

// Condition predicate kinds
const (
	PredicateNotReplied = "not_replied"
	PredicateReplied    = "replied"
)

// Sequence represents an automated email sequence. Once activated the step
// graph is treated as immutable.
type Sequence struct {
	gorm.Model
	UserID   uint `gorm:"not null;index" json:"user_id"`
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused, archived

	// Step graph stored as JSON. Steps are addressed by their stable string ID,
	// never by position in this slice.
	Steps       []SequenceStep `json:"steps" gorm:"type:jsonb;serializer:json"`
	EntryStepID string         `gorm:"not null" json:"entry_step_id"`

	// Settings
	MaxEmailsPerDay int `gorm:"default:100" json:"max_emails_per_day"`

	// Relations
	Sender      Sender       `json:"-"`
	Enrollments []Enrollment `gorm:"foreignKey:SequenceID" json:"enrollments,omitempty"`
}

// SequenceStep is a node in the sequence's step graph. Successors are
// referenced exclusively by step ID; a step with no successor is terminal.
type SequenceStep struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // email, delay, condition

	// Email step fields
	Subject         string `json:"subject,omitempty"`
	BodyTemplate    string `json:"body_template,omitempty"`
	ReplyToThread   bool   `json:"reply_to_thread,omitempty"`
	TrackingEnabled bool   `json:"tracking_enabled,omitempty"`
	NextStepID      string `json:"next_step_id,omitempty"`

	// Delay step fields
	DelayMinutes uint `json:"delay_minutes,omitempty"`

	// Condition step fields
	PredicateKind   string `json:"predicate_kind,omitempty"`
	ReferenceStepID string `json:"reference_step_id,omitempty"`
	TrueNextStepID  string `json:"true_next_step_id,omitempty"`
	FalseNextStepID string `json:"false_next_step_id,omitempty"`
}

// StepByID looks up a step by its stable ID.
func (s *Sequence) StepByID(stepID string) (*SequenceStep, bool) {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			return &s.Steps[i], true
		}
	}
	return nil, false
}
