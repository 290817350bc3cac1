// Package email provides the tools of the email server: reading unread
// messages, replying to a thread, and a few mocked utilities.
package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "tools/email")

// ServerName is advertised by the email server
const ServerName = "MCP email server"

// MaxUnread is the maximum number of unread messages returned
const MaxUnread = 10

// Message is an unread message
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Snippet  string `json:"snippet"`
}

// Reply is a reply to a message
type Reply struct {
	MessageID string
	ThreadID  string
	To        string
	Subject   string
	Body      string
}

// Mailbox is the mail provider
type Mailbox interface {
	// Unread returns up to max unread messages
	Unread(ctx context.Context, max int) ([]Message, error)
	// Reply sends the reply in the thread and marks the original message as read.
	// It returns the ID of the sent message.
	Reply(ctx context.Context, r Reply) (string, error)
}

// Provider serves the email tools
type Provider struct {
	mailbox Mailbox
}

var _ tools.Provider = (*Provider)(nil)

// New returns the email tools over the mailbox
func New(mailbox Mailbox) *Provider {
	return &Provider{mailbox: mailbox}
}

// ServerName implements tools.Provider
func (p *Provider) ServerName() string {
	return ServerName
}

// ReplyRequest is the input of send_reply_email
type ReplyRequest struct {
	MessageID string `json:"message_id" jsonschema:"description=ID of the message to reply to" validate:"required"`
	ThreadID  string `json:"thread_id" jsonschema:"description=ID of the thread of the message" validate:"required"`
	To        string `json:"to" jsonschema:"description=Recipient address" validate:"required"`
	Subject   string `json:"subject" jsonschema:"description=Subject of the reply"`
	Body      string `json:"body" jsonschema:"description=Text of the reply" validate:"required"`
}

// ReplyResult is the output of send_reply_email
type ReplyResult struct {
	Status    string `json:"status"`
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

// PriceRequest is the input of get_crypto_price
type PriceRequest struct {
	Symbol string `json:"symbol" jsonschema:"description=Cryptocurrency symbol like BTC" validate:"required"`
}

// Register implements tools.Provider
func (p *Provider) Register(r tools.Registrator) error {
	list := []struct {
		name        string
		description string
		handler     any
	}{
		{"get_unread_emails", "Fetches unread emails from Gmail.", p.GetUnreadEmails},
		{"send_reply_email", "Sends a reply to a Gmail thread.", p.SendReplyEmail},
		{"get_joke", "Get a random joke (mocked).", GetJoke},
		{"get_crypto_price", "Get the current price of a cryptocurrency (mocked).", GetCryptoPrice},
		{"get_quote", "Get a random inspirational quote (mocked).", GetQuote},
	}
	for _, t := range list {
		if err := r.RegisterTool(t.name, t.description, t.handler); err != nil {
			return err
		}
	}
	return nil
}

// GetUnreadEmails returns the unread messages
func (p *Provider) GetUnreadEmails(ctx context.Context, _ tools.NoArgs) (*mcp.ToolResponse, error) {
	msgs, err := p.mailbox.Unread(ctx, MaxUnread)
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "status", "unread_failed", "err", err.Error())
		return nil, errors.WithMessage(err, "failed to fetch unread emails")
	}
	if msgs == nil {
		msgs = []Message{}
	}
	logger.ContextKV(ctx, xlog.INFO, "status", "unread_fetched", "count", len(msgs))
	return mcp.NewJSONResponse(msgs)
}

// SendReplyEmail replies in the thread, and marks the message as read.
// A failure of either step is reported as a tool error.
func (p *Provider) SendReplyEmail(ctx context.Context, req ReplyRequest) (*mcp.ToolResponse, error) {
	sentID, err := p.mailbox.Reply(ctx, Reply(req))
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"status", "reply_failed",
			"thread", req.ThreadID,
			"err", err.Error(),
		)
		return nil, errors.WithMessage(err, "failed to send reply")
	}
	logger.ContextKV(ctx, xlog.INFO, "status", "reply_sent", "thread", req.ThreadID)
	return mcp.NewJSONResponse(ReplyResult{
		Status:    "success",
		ThreadID:  req.ThreadID,
		MessageID: sentID,
	})
}

// GetJoke returns a joke
func GetJoke(tools.NoArgs) (*mcp.ToolResponse, error) {
	return mcp.NewTextResponse("Why did the developer go broke? Because he used up all his cache!"), nil
}

var prices = map[string]string{
	"BTC":  "$67,000",
	"ETH":  "$3,500",
	"DOGE": "$0.12",
}

// GetCryptoPrice returns the price of the currency
func GetCryptoPrice(req PriceRequest) (*mcp.ToolResponse, error) {
	symbol := strings.ToUpper(req.Symbol)
	price, ok := prices[symbol]
	if !ok {
		price = "$???"
	}
	return mcp.NewTextResponse(fmt.Sprintf("The current price of %s is %s. (mocked)", symbol, price)), nil
}

// GetQuote returns a quote
func GetQuote(tools.NoArgs) (*mcp.ToolResponse, error) {
	return mcp.NewTextResponse("The best way to get started is to quit talking and begin doing. – Walt Disney"), nil
}
