package models

import (
	"time"

	"gorm.io/gorm"
)

// ContactList represents a list of contacts
type ContactList struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // manual, csv, api, etc.

	// Statistics
	ContactCount int `gorm:"default:0" json:"contact_count"`
	ActiveCount  int `gorm:"default:0" json:"active_count"`

	// Relations
	Contacts []Contact `gorm:"foreignKey:ContactListID" json:"contacts,omitempty"`
}

// Contact represents a single contact to be enrolled in sequences
type Contact struct {
	gorm.Model
	ContactListID uint `gorm:"not null;index" json:"contact_list_id"`
	UserID        uint `gorm:"index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`

	// Status
	IsVerified     bool `gorm:"default:false" json:"is_verified"`
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Metadata
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	ContactList ContactList  `gorm:"foreignKey:ContactListID" json:"contact_list"`
	Enrollments []Enrollment `gorm:"foreignKey:ContactID" json:"enrollments,omitempty"`
}

// DisplayName returns the contact's name for quote attribution lines,
// falling back to the bare email address.
func (c *Contact) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.Email
	}
}
