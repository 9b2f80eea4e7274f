package engine

import (
	"fmt"
	"html"
	"strings"
	"time"

	"mailflow/provider"
)

// Quote container markup matching conventional mail-client quoting, so nested
// follow-ups render and collapse correctly in the recipient's client.
const quoteBlockOpen = `<blockquote class="gmail_quote" style="margin:0px 0px 0px 0.8ex;border-left:1px solid rgb(204,204,204);padding-left:1ex">`

// BuildReplyBody assembles a follow-up body: the new content first, then a
// quoted block containing the most recent prior message. That message already
// carries its own quoted history from earlier follow-ups, so each send wraps
// the previous one in exactly one more nesting level.
func BuildReplyBody(newBodyHTML string, prev *provider.ThreadMessage) string {
	if prev == nil {
		return newBodyHTML
	}

	var b strings.Builder
	b.WriteString(newBodyHTML)
	b.WriteString(`<br><div class="gmail_quote">`)
	b.WriteString(`<div dir="ltr" class="gmail_attr">`)
	b.WriteString(AttributionLine(prev.SentAt, prev.From.Name, prev.From.Email))
	b.WriteString(`<br></div>`)
	b.WriteString(quoteBlockOpen)
	b.WriteString(prev.BodyHTML)
	b.WriteString(`</blockquote></div>`)
	return b.String()
}

// AttributionLine formats the quote header exactly the way mail clients
// expect: On <date> at <time> <display-name> <<email>> wrote:
func AttributionLine(sentAt time.Time, displayName, email string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = email
	}
	return fmt.Sprintf("On %s at %s %s &lt;%s&gt; wrote:",
		sentAt.Format("Mon, Jan 2, 2006"),
		sentAt.Format("3:04 PM"),
		html.EscapeString(name),
		html.EscapeString(email),
	)
}

// ReplySubject prefixes Re: unless the subject already carries one.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
