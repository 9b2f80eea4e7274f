package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents email sending and receiving credentials
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// Connection type
	ProviderType string `gorm:"not null" json:"provider_type"` // gmail, outlook, smtp

	// ========= OAuth Configuration =========
	OAuthProvider     string    `gorm:"column:oauth_provider" json:"oauth_provider"` // google, microsoft
	OAuthToken        string    `gorm:"column:oauth_token" json:"-"`                 // Encrypted
	OAuthRefreshToken string    `gorm:"column:oauth_refresh_token" json:"-"`         // Encrypted
	OAuthExpiry       time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= IMAP Configuration (reply detection) =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status =========
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	LastTestedAt *time.Time `json:"last_tested_at"`
	LastError    *string    `json:"last_error"`

	// ========= Usage Metrics =========
	DailyLimit int `gorm:"default:500" json:"daily_limit"`
	SentToday  int `gorm:"default:0" json:"sent_today"`
	TotalSent  int `gorm:"default:0" json:"total_sent"`

	// Relations
	Sequences []Sequence `gorm:"foreignKey:SenderID" json:"sequences,omitempty"`
}

// Sanitize strips credentials before the sender is serialized to a client.
func (s *Sender) Sanitize() {
	s.IMAPPassword = ""
	s.OAuthToken = ""
	s.OAuthRefreshToken = ""
}
