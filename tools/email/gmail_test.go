package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

type fakeGmail struct {
	lock       sync.Mutex
	sent       []*gmail.Message
	modified   []string
	failModify bool
}

func (f *fakeGmail) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "is:unread", r.URL.Query().Get("q"))
		assert.Equal(t, "10", r.URL.Query().Get("maxResults"))
		writeJSON(w, http.StatusOK, &gmail.ListMessagesResponse{
			Messages: []*gmail.Message{{Id: "m1", ThreadId: "t1"}, {Id: "m2", ThreadId: "t2"}},
		})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "metadata", r.URL.Query().Get("format"))
		id := r.PathValue("id")
		writeJSON(w, http.StatusOK, &gmail.Message{
			Id:       id,
			ThreadId: "t" + strings.TrimPrefix(id, "m"),
			Snippet:  "snippet of " + id,
			Payload: &gmail.MessagePart{
				Headers: []*gmail.MessagePartHeader{
					{Name: "From", Value: "alice@example.com"},
					{Name: "Subject", Value: "Hello " + id},
				},
			},
		})
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var m gmail.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		f.lock.Lock()
		f.sent = append(f.sent, &m)
		f.lock.Unlock()
		writeJSON(w, http.StatusOK, &gmail.Message{Id: "s1", ThreadId: m.ThreadId})
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/{id}/modify", func(w http.ResponseWriter, r *http.Request) {
		var req gmail.ModifyMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"UNREAD"}, req.RemoveLabelIds)

		f.lock.Lock()
		defer f.lock.Unlock()
		if f.failModify {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": map[string]any{"code": 403, "message": "insufficient scope"},
			})
			return
		}
		f.modified = append(f.modified, r.PathValue("id"))
		writeJSON(w, http.StatusOK, &gmail.Message{Id: r.PathValue("id")})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeGmail(t *testing.T) (*Gmail, *fakeGmail) {
	fake := &fakeGmail{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	g, err := NewGmailWithOptions(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return g, fake
}

func TestGmail_Unread(t *testing.T) {
	g, _ := newFakeGmail(t)

	msgs, err := g.Unread(context.Background(), MaxUnread)
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{ID: "m1", ThreadID: "t1", From: "alice@example.com", Subject: "Hello m1", Snippet: "snippet of m1"},
		{ID: "m2", ThreadID: "t2", From: "alice@example.com", Subject: "Hello m2", Snippet: "snippet of m2"},
	}, msgs)
}

func TestGmail_Reply(t *testing.T) {
	ctx := context.Background()
	g, fake := newFakeGmail(t)

	r := Reply{
		MessageID: "m1",
		ThreadID:  "t1",
		To:        "alice@example.com",
		Subject:   "Re: Hello",
		Body:      "Thanks!",
	}
	id, err := g.Reply(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.Equal(t, []string{"m1"}, fake.modified)

	require.Len(t, fake.sent, 1)
	assert.Equal(t, "t1", fake.sent[0].ThreadId)
	raw, err := base64.URLEncoding.DecodeString(fake.sent[0].Raw)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "To: alice@example.com\r\n")
	assert.Contains(t, string(raw), "In-Reply-To: m1\r\n")
	assert.True(t, strings.HasSuffix(string(raw), "\r\n\r\nThanks!"))

	fake.failModify = true
	_, err = g.Reply(ctx, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reply s1 sent, but failed to mark message as read")
	assert.Len(t, fake.sent, 2)
}

func TestBuildReply(t *testing.T) {
	raw, err := buildReply(Reply{
		MessageID: "<abc@mail.gmail.com>",
		To:        "bob@example.com\r\nBcc: eve@example.com",
		Subject:   "Re: Café",
		Body:      "Merci beaucoup",
	})
	require.NoError(t, err)

	exp := "To: bob@example.comBcc: eve@example.com\r\n" +
		"Subject: =?utf-8?q?Re:_Caf=C3=A9?=\r\n" +
		"In-Reply-To: <abc@mail.gmail.com>\r\n" +
		"References: <abc@mail.gmail.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"Merci beaucoup"
	assert.Equal(t, exp, string(raw))

	raw, err = buildReply(Reply{To: "bob@example.com", Subject: "plain", Body: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: plain\r\n")
}

func TestLoadToken(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		file := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
		return file
	}

	tok, err := LoadToken(write("go.json",
		`{"access_token":"at","token_type":"Bearer","refresh_token":"rt","expiry":"2025-08-07T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, time.Date(2025, 8, 7, 10, 0, 0, 0, time.UTC), tok.Expiry.UTC())

	tok, err = LoadToken(write("py.json",
		`{"token":"pt","refresh_token":"rt","client_id":"id","expiry":"2025-08-07T10:00:00.123456"}`))
	require.NoError(t, err)
	assert.Equal(t, "pt", tok.AccessToken)
	assert.Equal(t, time.Date(2025, 8, 7, 10, 0, 0, 123456000, time.UTC), tok.Expiry)

	_, err = LoadToken(write("empty.json", `{}`))
	assert.EqualError(t, err, "invalid token: "+filepath.Join(dir, "empty.json"))

	_, err = LoadToken(write("bad.json", `{`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse token")

	_, err = LoadToken(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read token")
}
