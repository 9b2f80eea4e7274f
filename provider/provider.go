package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Address is a display-name/email pair as it appears in message headers.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// OutgoingMessage is one message to be sent through the provider. When
// ThreadID is set the provider groups the message into that conversation;
// InReplyTo/References carry the previous message's RFC 2822 Message-ID so
// client-side threading agrees with the provider's.
type OutgoingMessage struct {
	SenderID uint
	From     Address
	To       Address
	Subject  string
	BodyHTML string

	ThreadID   string
	InReplyTo  string
	References string
}

// SendResult identifies the message the provider accepted.
type SendResult struct {
	MessageID string // provider message ID
	ThreadID  string // provider thread ID
}

// ThreadMessage is one prior message in a conversation, ordered oldest first
// by GetThreadHistory.
type ThreadMessage struct {
	MessageID string
	From      Address
	SentAt    time.Time
	BodyHTML  string
}

// MessageHeaders are the wire headers of a sent message that the engine needs
// for threading.
type MessageHeaders struct {
	MessageIDHeader string // angle-bracket RFC 2822 Message-ID
	InReplyTo       string
	References      string
}

// Adapter wraps authenticated calls to the external mail API. Token refresh is
// internal to implementations.
type Adapter interface {
	Send(ctx context.Context, msg OutgoingMessage) (*SendResult, error)
	GetThreadHistory(ctx context.Context, senderID uint, threadID string) ([]ThreadMessage, error)
	GetMessageHeaders(ctx context.Context, senderID uint, messageID string) (*MessageHeaders, error)
}

// Error classifies a failed provider call so the engine can decide between
// bounded retry and immediate failure.
type Error struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s (%s, status %d): %v", e.Op, kind, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried: network timeouts, rate
// limits, server errors and expired tokens pending refresh.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	// Unclassified transport errors (timeouts, resets) are worth one more try.
	return true
}
