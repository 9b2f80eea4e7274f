package models

import "gorm.io/gorm"

// User is the account that owns senders, sequences and contacts. Registration
// and login live in a separate service; this row only backs token validation
// and ownership checks.
type User struct {
	gorm.Model
	Email string `gorm:"not null;index" json:"email"`
	Name  string `json:"name"`

	IsActive     bool `gorm:"default:true" json:"is_active"`
	TokenVersion int  `gorm:"default:0" json:"-"`

	// Relations
	Senders      []Sender      `gorm:"foreignKey:UserID" json:"senders,omitempty"`
	Sequences    []Sequence    `gorm:"foreignKey:UserID" json:"sequences,omitempty"`
	ContactLists []ContactList `gorm:"foreignKey:UserID" json:"contact_lists,omitempty"`
}
