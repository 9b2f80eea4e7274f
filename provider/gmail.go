package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/gomail.v2"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// TokenProvider yields an OAuth2 token source for a sender. Refreshing expired
// access tokens is the token source's job; callers never see a refresh.
type TokenProvider interface {
	TokenSourceFor(ctx context.Context, senderID uint) (oauth2.TokenSource, error)
}

// GmailAdapter implements Adapter against the Gmail REST API.
type GmailAdapter struct {
	BaseURL string
	Tokens  TokenProvider
	Timeout time.Duration
}

func NewGmailAdapter(tokens TokenProvider) *GmailAdapter {
	return &GmailAdapter{
		BaseURL: gmailBaseURL,
		Tokens:  tokens,
		Timeout: 30 * time.Second,
	}
}

// Send builds the RFC 2822 message, base64url-encodes it and posts it to
// users.messages.send. The provider thread ID is passed alongside so server
// side threading matches the In-Reply-To/References headers.
func (g *GmailAdapter) Send(ctx context.Context, msg OutgoingMessage) (*SendResult, error) {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From.Email, msg.From.Name)
	m.SetAddressHeader("To", msg.To.Email, msg.To.Name)
	m.SetHeader("Subject", msg.Subject)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
	}
	if msg.References != "" {
		m.SetHeader("References", msg.References)
	}
	m.SetBody("text/html", msg.BodyHTML)

	var raw bytes.Buffer
	if _, err := m.WriteTo(&raw); err != nil {
		return nil, &Error{Op: "send", Transient: false, Err: fmt.Errorf("encode message: %w", err)}
	}

	payload := map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw.Bytes()),
	}
	if msg.ThreadID != "" {
		payload["threadId"] = msg.ThreadID
	}

	var resp struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := g.do(ctx, msg.SenderID, "send", http.MethodPost, "/messages/send", payload, &resp); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: resp.ID, ThreadID: resp.ThreadID}, nil
}

// GetThreadHistory fetches the full conversation, oldest message first.
func (g *GmailAdapter) GetThreadHistory(ctx context.Context, senderID uint, threadID string) ([]ThreadMessage, error) {
	var resp struct {
		Messages []gmailMessage `json:"messages"`
	}
	path := "/threads/" + threadID + "?format=full"
	if err := g.do(ctx, senderID, "getThreadHistory", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	history := make([]ThreadMessage, 0, len(resp.Messages))
	for _, gm := range resp.Messages {
		history = append(history, gm.toThreadMessage())
	}
	return history, nil
}

// GetMessageHeaders fetches the wire Message-ID (and threading headers) of a
// sent message. Gmail assigns the Message-ID server side, so this runs after
// every send to capture the header for the next follow-up.
func (g *GmailAdapter) GetMessageHeaders(ctx context.Context, senderID uint, messageID string) (*MessageHeaders, error) {
	var resp gmailMessage
	path := "/messages/" + messageID +
		"?format=metadata&metadataHeaders=Message-ID&metadataHeaders=In-Reply-To&metadataHeaders=References"
	if err := g.do(ctx, senderID, "getMessageHeaders", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &MessageHeaders{
		MessageIDHeader: resp.header("Message-ID"),
		InReplyTo:       resp.header("In-Reply-To"),
		References:      resp.header("References"),
	}, nil
}

func (g *GmailAdapter) do(ctx context.Context, senderID uint, op, method, path string, body, out interface{}) error {
	ts, err := g.Tokens.TokenSourceFor(ctx, senderID)
	if err != nil {
		return &Error{Op: op, Transient: false, Err: fmt.Errorf("token source: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Transient: false, Err: err}
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reqBody)
	if err != nil {
		return &Error{Op: op, Transient: false, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := oauth2.NewClient(ctx, ts)
	resp, err := client.Do(req)
	if err != nil {
		// Timeouts, resets and refresh failures all surface here.
		return &Error{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  isTransientStatus(resp.StatusCode),
			Err:        fmt.Errorf("gmail api: %s", strings.TrimSpace(string(data))),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Transient: false, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// isTransientStatus classifies HTTP statuses: rate limits, server errors and
// auth errors pending a token refresh are retryable; client errors are not.
func isTransientStatus(code int) bool {
	switch {
	case code == http.StatusUnauthorized,
		code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return true
	default:
		return false
	}
}

// gmailMessage mirrors the subset of the Gmail message resource we read.
type gmailMessage struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"threadId"`
	InternalDate string       `json:"internalDate"`
	Payload      gmailPayload `json:"payload"`
}

type gmailPayload struct {
	MimeType string         `json:"mimeType"`
	Headers  []gmailHeader  `json:"headers"`
	Body     gmailBody      `json:"body"`
	Parts    []gmailPayload `json:"parts"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailBody struct {
	Data string `json:"data"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m *gmailMessage) toThreadMessage() ThreadMessage {
	tm := ThreadMessage{
		MessageID: m.ID,
		BodyHTML:  m.Payload.bodyHTML(),
	}

	if addr, err := mail.ParseAddress(m.header("From")); err == nil {
		tm.From = Address{Name: addr.Name, Email: addr.Address}
	} else {
		tm.From = Address{Email: m.header("From")}
	}

	if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil {
		tm.SentAt = time.UnixMilli(ms)
	}
	return tm
}

// bodyHTML walks the MIME tree for the first text/html part, falling back to
// text/plain.
func (p *gmailPayload) bodyHTML() string {
	if html := p.findPart("text/html"); html != "" {
		return html
	}
	return p.findPart("text/plain")
}

func (p *gmailPayload) findPart(mimeType string) string {
	if strings.HasPrefix(p.MimeType, mimeType) && p.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(p.Body.Data); err == nil {
			return string(decoded)
		}
		if decoded, err := base64.RawURLEncoding.DecodeString(p.Body.Data); err == nil {
			return string(decoded)
		}
	}
	for i := range p.Parts {
		if found := p.Parts[i].findPart(mimeType); found != "" {
			return found
		}
	}
	return ""
}
