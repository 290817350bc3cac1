package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime"
	"mime/quotedprintable"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Gmail is the Mailbox of a Gmail account
type Gmail struct {
	service *gmail.Service
	user    string
}

var _ Mailbox = (*Gmail)(nil)

// NewGmail returns the mailbox of the account authorized by the token file.
// The token must be acquired beforehand; it is refreshed with the client
// credentials when it expires.
func NewGmail(ctx context.Context, credentialsFile, tokenFile string) (*Gmail, error) {
	creds, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read credentials")
	}
	conf, err := google.ConfigFromJSON(creds, gmail.GmailModifyScope)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse credentials")
	}
	tok, err := LoadToken(tokenFile)
	if err != nil {
		return nil, err
	}
	return NewGmailWithOptions(ctx, option.WithTokenSource(conf.TokenSource(ctx, tok)))
}

// NewGmailWithOptions returns the mailbox with the API client options
func NewGmailWithOptions(ctx context.Context, opts ...option.ClientOption) (*Gmail, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Gmail client")
	}
	return &Gmail{service: svc, user: "me"}, nil
}

type tokenFile struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Expiry       string `json:"expiry"`
	// written by the Python client libraries
	Token string `json:"token"`
}

// LoadToken reads an OAuth token file, in the format of golang.org/x/oauth2
// or of the Google client libraries for Python.
func LoadToken(file string) (*oauth2.Token, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read token")
	}
	var tf tokenFile
	if err = json.Unmarshal(data, &tf); err != nil {
		return nil, errors.Wrap(err, "failed to parse token")
	}

	tok := &oauth2.Token{
		AccessToken:  tf.AccessToken,
		TokenType:    tf.TokenType,
		RefreshToken: tf.RefreshToken,
	}
	if tok.AccessToken == "" {
		tok.AccessToken = tf.Token
	}
	if tf.Expiry != "" {
		expiry, err := time.Parse(time.RFC3339Nano, tf.Expiry)
		if err != nil {
			// naive UTC time without zone
			expiry, err = time.Parse("2006-01-02T15:04:05.999999", tf.Expiry)
		}
		if err == nil {
			tok.Expiry = expiry
		}
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.Errorf("invalid token: %s", file)
	}
	return tok, nil
}

// Unread implements Mailbox
func (g *Gmail) Unread(ctx context.Context, max int) ([]Message, error) {
	list, err := g.service.Users.Messages.List(g.user).
		Q("is:unread").
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}

	msgs := make([]Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		full, err := g.service.Users.Messages.Get(g.user, m.Id).
			Format("metadata").
			MetadataHeaders("From", "Subject").
			Context(ctx).
			Do()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get message %s", m.Id)
		}

		msg := Message{
			ID:       m.Id,
			ThreadID: full.ThreadId,
			Snippet:  full.Snippet,
		}
		if full.Payload != nil {
			for _, h := range full.Payload.Headers {
				switch h.Name {
				case "From":
					msg.From = h.Value
				case "Subject":
					msg.Subject = h.Value
				}
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Reply implements Mailbox
func (g *Gmail) Reply(ctx context.Context, r Reply) (string, error) {
	raw, err := buildReply(r)
	if err != nil {
		return "", err
	}

	sent, err := g.service.Users.Messages.Send(g.user, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: r.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "failed to send message")
	}

	_, err = g.service.Users.Messages.Modify(g.user, r.MessageID, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "reply %s sent, but failed to mark message as read", sent.Id)
	}
	return sent.Id, nil
}

// buildReply returns the RFC 822 message of the reply
func buildReply(r Reply) ([]byte, error) {
	var buf bytes.Buffer
	header := func(name, value string) {
		buf.WriteString(name + ": " + strings.NewReplacer("\r", "", "\n", "").Replace(value) + "\r\n")
	}
	header("To", r.To)
	header("Subject", mime.QEncoding.Encode("utf-8", r.Subject))
	header("In-Reply-To", r.MessageID)
	header("References", r.MessageID)
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	w := quotedprintable.NewWriter(&buf)
	if _, err := w.Write([]byte(r.Body)); err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return buf.Bytes(), nil
}
