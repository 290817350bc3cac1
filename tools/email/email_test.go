package email_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailbox struct {
	unread  []email.Message
	replies []email.Reply
	err     error
}

func (m *fakeMailbox) Unread(_ context.Context, max int) ([]email.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	if len(m.unread) > max {
		return m.unread[:max], nil
	}
	return m.unread, nil
}

func (m *fakeMailbox) Reply(_ context.Context, r email.Reply) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.replies = append(m.replies, r)
	return "sent1", nil
}

func TestProvider_Register(t *testing.T) {
	srv := mcp.NewServer(httptransport.NewHTTPTransport("/mcp"))
	p := email.New(&fakeMailbox{})
	assert.Equal(t, "MCP email server", p.ServerName())
	require.NoError(t, p.Register(srv))
	assert.Equal(t, []string{
		"get_crypto_price",
		"get_joke",
		"get_quote",
		"get_unread_emails",
		"send_reply_email",
	}, srv.ToolNames())

	// registered twice
	assert.EqualError(t, p.Register(srv), "tool get_unread_emails: already registered")
}

func TestGetUnreadEmails(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{unread: []email.Message{
		{ID: "m1", ThreadID: "t1", From: "alice@example.com", Subject: "Lunch", Snippet: "Are you free?"},
	}}
	p := email.New(mb)

	res, err := p.GetUnreadEmails(ctx, tools.NoArgs{})
	require.NoError(t, err)
	require.Len(t, res.Texts(), 1)
	assert.JSONEq(t, `[{"id":"m1","threadId":"t1","from":"alice@example.com","subject":"Lunch","snippet":"Are you free?"}]`, res.Texts()[0])
	assert.JSONEq(t, `{"result":[{"id":"m1","threadId":"t1","from":"alice@example.com","subject":"Lunch","snippet":"Are you free?"}]}`,
		string(res.StructuredContent))

	mb.unread = nil
	res, err = p.GetUnreadEmails(ctx, tools.NoArgs{})
	require.NoError(t, err)
	assert.Equal(t, []string{"[]"}, res.Texts())

	mb.err = errors.New("invalid_grant")
	_, err = p.GetUnreadEmails(ctx, tools.NoArgs{})
	assert.EqualError(t, err, "failed to fetch unread emails: invalid_grant")
}

func TestSendReplyEmail(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{}
	p := email.New(mb)

	req := email.ReplyRequest{
		MessageID: "m1",
		ThreadID:  "t1",
		To:        "alice@example.com",
		Subject:   "Re: Lunch",
		Body:      "Yes!",
	}
	res, err := p.SendReplyEmail(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"status":"success","threadId":"t1","messageId":"sent1"}`}, res.Texts())
	assert.Equal(t, []email.Reply{{
		MessageID: "m1",
		ThreadID:  "t1",
		To:        "alice@example.com",
		Subject:   "Re: Lunch",
		Body:      "Yes!",
	}}, mb.replies)

	mb.err = errors.New("quota exceeded")
	_, err = p.SendReplyEmail(ctx, req)
	assert.EqualError(t, err, "failed to send reply: quota exceeded")
}

func TestMockedTools(t *testing.T) {
	res, err := email.GetJoke(tools.NoArgs{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Why did the developer go broke? Because he used up all his cache!"}, res.Texts())

	res, err = email.GetQuote(tools.NoArgs{})
	require.NoError(t, err)
	assert.Equal(t, []string{"The best way to get started is to quit talking and begin doing. – Walt Disney"}, res.Texts())

	tcases := []struct {
		symbol string
		exp    string
	}{
		{"BTC", "The current price of BTC is $67,000. (mocked)"},
		{"eth", "The current price of ETH is $3,500. (mocked)"},
		{"Doge", "The current price of DOGE is $0.12. (mocked)"},
		{"xrp", "The current price of XRP is $???. (mocked)"},
	}
	for _, tc := range tcases {
		t.Run(tc.symbol, func(t *testing.T) {
			res, err := email.GetCryptoPrice(email.PriceRequest{Symbol: tc.symbol})
			require.NoError(t, err)
			assert.Equal(t, []string{tc.exp}, res.Texts())
		})
	}
}

func TestEmailServer(t *testing.T) {
	ctx := context.Background()
	mb := &fakeMailbox{}

	srv, err := tools.NewServer(ctx, email.New(mb), httptransport.NewHTTPTransport("/mcp"))
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	client := mcp.NewClient(httptransport.NewClientTransport(hs.URL + "/mcp"))
	_, err = client.Initialize(ctx)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, email.ServerName, client.ServerInfo().ServerInfo.Name)

	list, err := client.ListAllTools(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 5)

	res, err := client.CallTool(ctx, "get_crypto_price", map[string]any{"symbol": "btc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"The current price of BTC is $67,000. (mocked)"}, res.Texts())

	res, err = client.CallTool(ctx, "get_joke", nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)

	// body is required
	_, err = client.CallTool(ctx, "send_reply_email", map[string]any{"message_id": "m1", "thread_id": "t1", "to": "a@b.c"})
	require.Error(t, err)
	assert.Empty(t, mb.replies)

	mb.err = errors.New("invalid_grant")
	res, err = client.CallTool(ctx, "get_unread_emails", map[string]any{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, []string{"failed to fetch unread emails: invalid_grant"}, res.Texts())
}
