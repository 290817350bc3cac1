package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/internal/protocol"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
)

// maxListPages bounds tools/list pagination against servers returning cursors forever
const maxListPages = 100

// Client is a MCP client bound to one server
type Client struct {
	transport transport.Transport
	protocol  *protocol.Protocol
	info      Implementation
	timeout   time.Duration

	mu         sync.RWMutex
	serverInfo *InitializeResponse
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientInfo sets the client name and version sent on initialize
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.info = Implementation{Name: name, Version: version}
	}
}

// WithRequestTimeout sets the default timeout of each request
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// NewClient returns a client for the transport
func NewClient(tr transport.Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: tr,
		protocol:  protocol.NewProtocol(),
		info:      Implementation{Name: "mcpagent", Version: "1.0.0"},
		timeout:   protocol.DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.protocol.OnError = func(err error) {
		logger.KV(xlog.DEBUG, "client", c.info.Name, "err", err.Error())
	}
	return c
}

// Initialize connects the transport and performs the initialize handshake
func (c *Client) Initialize(ctx context.Context) (*InitializeResponse, error) {
	if err := c.protocol.Connect(ctx, c.transport); err != nil {
		return nil, errors.Wrap(err, "failed to connect")
	}

	raw, err := c.protocol.Request(ctx, "initialize", &InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}, c.requestOptions())
	if err != nil {
		return nil, errors.Wrap(err, "initialize")
	}

	var res InitializeResponse
	if err := unmarshalResult(raw, &res); err != nil {
		return nil, errors.Wrap(err, "initialize")
	}

	if err := c.protocol.Notification("notifications/initialized", nil); err != nil {
		return nil, errors.Wrap(err, "failed to send initialized notification")
	}

	c.mu.Lock()
	c.serverInfo = &res
	c.mu.Unlock()

	return &res, nil
}

// ServerInfo returns the initialize response, nil before Initialize
func (c *Client) ServerInfo() *InitializeResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools returns one page of the server catalog
func (c *Client) ListTools(ctx context.Context, cursor *string) (*ToolsResponse, error) {
	raw, err := c.protocol.Request(ctx, "tools/list", &ListToolsRequest{Cursor: cursor}, c.requestOptions())
	if err != nil {
		return nil, errors.Wrap(err, "tools/list")
	}
	var res ToolsResponse
	if err := unmarshalResult(raw, &res); err != nil {
		return nil, errors.Wrap(err, "tools/list")
	}
	return &res, nil
}

// ListAllTools returns the full server catalog, following pagination
func (c *Client) ListAllTools(ctx context.Context) ([]Tool, error) {
	var (
		all    []Tool
		cursor *string
		seen   = map[string]bool{}
	)
	for page := 0; page < maxListPages; page++ {
		res, err := c.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Tools...)
		if res.NextCursor == nil || *res.NextCursor == "" {
			return all, nil
		}
		if seen[*res.NextCursor] {
			return nil, errors.Mark(errors.Errorf("tools/list: repeated cursor %q", *res.NextCursor), transport.ErrMalformedResponse)
		}
		seen[*res.NextCursor] = true
		cursor = res.NextCursor
	}
	return nil, errors.Mark(errors.Errorf("tools/list: more than %d pages", maxListPages), transport.ErrMalformedResponse)
}

// CallTool invokes a tool with the given arguments
func (c *Client) CallTool(ctx context.Context, name string, args any) (*ToolResponse, error) {
	var arguments json.RawMessage
	if args != nil {
		js, err := json.Marshal(args)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal arguments")
		}
		arguments = js
	}

	raw, err := c.protocol.Request(ctx, "tools/call", &CallToolRequest{
		Name:      name,
		Arguments: arguments,
	}, c.requestOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "tools/call %s", name)
	}

	var res ToolResponse
	if err := unmarshalResult(raw, &res); err != nil {
		return nil, errors.Wrapf(err, "tools/call %s", name)
	}
	return &res, nil
}

// Close closes the transport
func (c *Client) Close() error {
	return c.protocol.Close()
}

func (c *Client) requestOptions() *protocol.RequestOptions {
	return &protocol.RequestOptions{Timeout: c.timeout}
}

func unmarshalResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.Mark(errors.New("empty result"), transport.ErrMalformedResponse)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to decode result"), transport.ErrMalformedResponse)
	}
	return nil
}
