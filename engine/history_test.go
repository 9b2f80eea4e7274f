package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mailflow/provider"
)

func TestBuildReplyBodyWrapsOnlyLatestMessage(t *testing.T) {
	prev := &provider.ThreadMessage{
		From:     provider.Address{Name: "Jo Smith", Email: "jo@sender.com"},
		SentAt:   time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		BodyHTML: "<p>earlier message</p>",
	}

	body := BuildReplyBody("<p>new content</p>", prev)

	assert.True(t, strings.HasPrefix(body, "<p>new content</p>"))
	assert.Contains(t, body, "<p>earlier message</p>")
	assert.Contains(t, body, `class="gmail_quote"`)
	assert.Contains(t, body, "On Mon, Jun 2, 2025 at 2:30 PM Jo Smith &lt;jo@sender.com&gt; wrote:")
	// Exactly one blockquote added per send.
	assert.Equal(t, 1, strings.Count(body, "<blockquote"))
}

func TestBuildReplyBodyNestingGrowsOnePerSend(t *testing.T) {
	prev := &provider.ThreadMessage{
		From:   provider.Address{Name: "Jo", Email: "jo@sender.com"},
		SentAt: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
	}

	// Simulate three follow-ups: each quotes the previous send whole, so the
	// quoted block already contains the earlier nesting.
	body := "<p>step 1</p>"
	for i := 2; i <= 4; i++ {
		prev.BodyHTML = body
		body = BuildReplyBody("<p>step</p>", prev)
	}
	assert.Equal(t, 3, strings.Count(body, "<blockquote"))
	assert.Equal(t, 3, strings.Count(body, "</blockquote>"))
}

func TestBuildReplyBodyNoHistory(t *testing.T) {
	assert.Equal(t, "<p>solo</p>", BuildReplyBody("<p>solo</p>", nil))
}

func TestAttributionLineEscapesAndFallsBack(t *testing.T) {
	at := time.Date(2025, 12, 25, 9, 5, 0, 0, time.UTC)

	line := AttributionLine(at, `Acme <Sales>`, "sales@acme.com")
	assert.Contains(t, line, "Acme &lt;Sales&gt;")
	assert.Contains(t, line, "On Thu, Dec 25, 2025 at 9:05 AM")

	// Empty display name falls back to the address.
	line = AttributionLine(at, "  ", "sales@acme.com")
	assert.Contains(t, line, "sales@acme.com &lt;sales@acme.com&gt; wrote:")
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Hello", ReplySubject("Hello"))
	assert.Equal(t, "Re: Hello", ReplySubject("Re: Hello"))
	assert.Equal(t, "re: hello", ReplySubject("re: hello"))
}
