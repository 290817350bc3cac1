package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/x/slices"
)

// maxEventSize limits the size of one SSE event
const maxEventSize = 4 << 20

// ClientTransport implements the client side of the streamable HTTP transport.
// Each message is POSTed to the server URL; the answer is either a JSON body
// or an SSE stream of JSON-RPC messages.
type ClientTransport struct {
	url     string
	client  *http.Client
	headers map[string]string

	handlers handlers

	mu        sync.RWMutex
	sessionID string
}

// ClientOption configures ClientTransport
type ClientOption func(*ClientTransport)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(t *ClientTransport) {
		t.client = client
	}
}

// WithHeader adds a header to every request
func WithHeader(key, value string) ClientOption {
	return func(t *ClientTransport) {
		t.headers[key] = value
	}
}

// NewClientTransport returns a transport posting to url
func NewClientTransport(url string, opts ...ClientOption) *ClientTransport {
	t := &ClientTransport{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Minute},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID returns the session assigned by the server, if any
func (t *ClientTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Start implements Transport.Start
func (t *ClientTransport) Start(_ context.Context) error {
	return nil
}

// Send implements Transport.Send.
// For requests it returns after the matching response was delivered to the message handler.
func (t *ClientTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "invalid server URL"), transport.ErrUnreachable)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return classify(ctx, errors.Wrapf(err, "POST %s", t.url))
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(HeaderSessionID); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if err := statusError(resp); err != nil {
		return err
	}
	if message.Type != transport.BaseMessageTypeJSONRPCRequestType {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	waitFor := message.MessageID()
	var answered bool
	deliver := func(data []byte) error {
		msg, err := transport.ParseMessage(data)
		if err != nil {
			return err
		}
		if (msg.Type == transport.BaseMessageTypeJSONRPCResponseType || msg.Type == transport.BaseMessageTypeJSONRPCErrorType) &&
			msg.MessageID() == waitFor {
			answered = true
		}
		t.handlers.dispatch(ctx, msg)
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		err = readEvents(resp.Body, func(data []byte) (bool, error) {
			if err := deliver(data); err != nil {
				return false, err
			}
			return answered, nil
		})
	case "application/json", "":
		err = readJSON(resp.Body, deliver)
	default:
		err = errors.Mark(errors.Errorf("unsupported content type: %q", mediaType), transport.ErrMalformedResponse)
	}
	if err != nil {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		return err
	}
	if !answered {
		return errors.Mark(errors.Errorf("no response for request %d", waitFor), transport.ErrMalformedResponse)
	}
	return nil
}

// Close implements Transport.Close.
// A server assigned session is terminated with a DELETE.
func (t *ClientTransport) Close() error {
	sid := t.SessionID()

	if sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if err == nil {
			t.setHeaders(req)
			if resp, err := t.client.Do(req); err == nil {
				_ = resp.Body.Close()
			}
		}
	}

	t.handlers.closed()
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *ClientTransport) SetCloseHandler(handler func()) {
	t.handlers.setClose(handler)
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *ClientTransport) SetErrorHandler(handler func(error)) {
	t.handlers.setError(handler)
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *ClientTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.handlers.setMessage(handler)
}

func (t *ClientTransport) setHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(HeaderSessionID, t.sessionID)
	}
	t.mu.RUnlock()
}

// classify marks a failed round trip as a timeout or an unreachable server.
// Errors caused by the caller's context keep the context error in the chain.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Mark(err, transport.ErrTimeout)
	}
	return errors.Mark(err, transport.ErrUnreachable)
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := errors.Errorf("unexpected status %d: %s", resp.StatusCode, slices.StringUpto(strings.TrimSpace(string(b)), 256))

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errors.Mark(err, transport.ErrUnreachable)
	}

	// JSON-RPC errors may come with a non 2xx status
	if msg, perr := transport.ParseMessage(b); perr == nil && msg.Type == transport.BaseMessageTypeJSONRPCErrorType {
		return errors.Wrapf(transport.NewRPCError(msg.JsonRpcError.Error), "status %d", resp.StatusCode)
	}
	return errors.Mark(err, transport.ErrRemote)
}

// readJSON decodes a single message or a batch
func readJSON(r io.Reader, deliver func([]byte) error) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read response"), transport.ErrMalformedResponse)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if b[0] != '[' {
		return deliver(b)
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(b, &batch); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid batch response"), transport.ErrMalformedResponse)
	}
	for _, item := range batch {
		if err := deliver(item); err != nil {
			return err
		}
	}
	return nil
}

// readEvents reads SSE events and passes the data of each one to onEvent,
// until onEvent reports done or the stream ends
func readEvents(r io.Reader, onEvent func([]byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var data []string
	flush := func() (bool, error) {
		if len(data) == 0 {
			return false, nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return onEvent([]byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			done, err := flush()
			if err != nil || done {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read event stream"), transport.ErrMalformedResponse)
	}
	_, err := flush()
	return err
}
