package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type staticTokens struct{}

func (staticTokens) TokenSourceFor(ctx context.Context, senderID uint) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: "test-token",
		Expiry:      time.Now().Add(time.Hour),
	}), nil
}

func testAdapter(srv *httptest.Server) *GmailAdapter {
	return &GmailAdapter{
		BaseURL: srv.URL,
		Tokens:  staticTokens{},
		Timeout: 5 * time.Second,
	}
}

func TestSendEncodesRawMessageAndThreadID(t *testing.T) {
	var gotBody map[string]string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/messages/send", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"id": "m-1", "threadId": "t-1"})
	}))
	defer srv.Close()

	adapter := testAdapter(srv)
	res, err := adapter.Send(context.Background(), OutgoingMessage{
		SenderID:   1,
		From:       Address{Name: "Me", Email: "me@sender.com"},
		To:         Address{Name: "Ada", Email: "ada@example.com"},
		Subject:    "Re: Hello",
		BodyHTML:   "<p>hi</p>",
		ThreadID:   "t-1",
		InReplyTo:  "<prev@mail>",
		References: "<prev@mail>",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.MessageID)
	assert.Equal(t, "t-1", res.ThreadID)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "t-1", gotBody["threadId"])

	raw, err := base64.URLEncoding.DecodeString(gotBody["raw"])
	require.NoError(t, err)
	msg := string(raw)
	assert.Contains(t, msg, "Subject: Re: Hello")
	assert.Contains(t, msg, "In-Reply-To: <prev@mail>")
	assert.Contains(t, msg, "References: <prev@mail>")
	assert.Contains(t, msg, "<ada@example.com>")
	assert.Contains(t, msg, "text/html")
}

func TestSendOmitsThreadIDForNewConversation(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"id": "m-2", "threadId": "t-2"})
	}))
	defer srv.Close()

	_, err := testAdapter(srv).Send(context.Background(), OutgoingMessage{
		From: Address{Email: "me@sender.com"}, To: Address{Email: "ada@example.com"},
		Subject: "Hello", BodyHTML: "<p>hi</p>",
	})
	require.NoError(t, err)
	_, hasThread := gotBody["threadId"]
	assert.False(t, hasThread)
}

func TestSendErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))

		_, err := testAdapter(srv).Send(context.Background(), OutgoingMessage{
			From: Address{Email: "me@sender.com"}, To: Address{Email: "ada@example.com"},
		})
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.transient, IsTransient(err), "status %d", tc.status)

		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, tc.status, pe.StatusCode)
		srv.Close()
	}
}

func TestGetThreadHistoryDecodesMessages(t *testing.T) {
	htmlPart := base64.URLEncoding.EncodeToString([]byte("<p>hello there</p>"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/threads/t-1", r.URL.Path)
		require.Equal(t, "full", r.URL.Query().Get("format"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]interface{}{
				{
					"id":           "m-1",
					"threadId":     "t-1",
					"internalDate": "1748864400000",
					"payload": map[string]interface{}{
						"mimeType": "multipart/alternative",
						"headers": []map[string]string{
							{"name": "From", "value": "Jo Smith <jo@sender.com>"},
						},
						"parts": []map[string]interface{}{
							{
								"mimeType": "text/plain",
								"body":     map[string]string{"data": base64.URLEncoding.EncodeToString([]byte("hello there"))},
							},
							{
								"mimeType": "text/html",
								"body":     map[string]string{"data": htmlPart},
							},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	history, err := testAdapter(srv).GetThreadHistory(context.Background(), 1, "t-1")
	require.NoError(t, err)
	require.Len(t, history, 1)

	assert.Equal(t, "m-1", history[0].MessageID)
	assert.Equal(t, "Jo Smith", history[0].From.Name)
	assert.Equal(t, "jo@sender.com", history[0].From.Email)
	// text/html wins over text/plain.
	assert.Equal(t, "<p>hello there</p>", history[0].BodyHTML)
	assert.Equal(t, time.UnixMilli(1748864400000), history[0].SentAt)
}

func TestGetMessageHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages/m-1", r.URL.Path)
		require.Equal(t, "metadata", r.URL.Query().Get("format"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "m-1",
			"payload": map[string]interface{}{
				"headers": []map[string]string{
					{"name": "Message-ID", "value": "<abc@mail.gmail.com>"},
					{"name": "In-Reply-To", "value": "<prev@mail.gmail.com>"},
				},
			},
		})
	}))
	defer srv.Close()

	headers, err := testAdapter(srv).GetMessageHeaders(context.Background(), 1, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "<abc@mail.gmail.com>", headers.MessageIDHeader)
	assert.Equal(t, "<prev@mail.gmail.com>", headers.InReplyTo)
	assert.Empty(t, headers.References)
}

func TestIsTransientDefaultsTrueForUnclassified(t *testing.T) {
	assert.True(t, IsTransient(assert.AnError))
	assert.False(t, IsTransient(&Error{Transient: false}))
	assert.True(t, IsTransient(&Error{Transient: true}))
}
