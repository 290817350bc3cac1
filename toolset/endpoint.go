package toolset

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/trace"
)

// TransportKind is the transport used to reach a server
type TransportKind string

const (
	// TransportStreamableHTTP is the MCP streamable HTTP transport
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ParseTransportKind returns the transport kind, accepting `streamable_http` as an alias
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "streamable-http", "streamable_http", "http":
		return TransportStreamableHTTP, nil
	}
	return "", errors.Errorf("unsupported transport: %q", s)
}

// ServerEndpoint identifies a tool server
type ServerEndpoint struct {
	// Name is the logical server name
	Name string
	// Address is the server URL
	Address string
	// Transport is the transport kind
	Transport TransportKind
}

// Validate returns an error if the endpoint is not usable
func (e ServerEndpoint) Validate() error {
	if e.Name == "" {
		return errors.New("server name is required")
	}
	u, err := url.Parse(e.Address)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Errorf("server %s: invalid address: %q", e.Name, e.Address)
	}
	if _, err := ParseTransportKind(string(e.Transport)); err != nil {
		return errors.Wrapf(err, "server %s", e.Name)
	}
	return nil
}

// Conn is a connection to a tool server
type Conn interface {
	// ListTools returns the full server catalog
	ListTools(ctx context.Context) ([]trace.ToolDescriptor, error)
	// CallTool invokes a tool
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResponse, error)
	// Close closes the connection
	Close() error
}

// Connector opens an initialized connection to an endpoint
type Connector func(ctx context.Context, ep ServerEndpoint) (Conn, error)

// mcpConn adapts mcp.Client to Conn
type mcpConn struct {
	client *mcp.Client
}

// ConnectHTTP is the Connector for streamable HTTP servers
func ConnectHTTP(opts ...httptransport.ClientOption) Connector {
	return func(ctx context.Context, ep ServerEndpoint) (Conn, error) {
		client := mcp.NewClient(
			httptransport.NewClientTransport(ep.Address, opts...),
			mcp.WithClientInfo("mcpagent", "1.0.0"),
		)
		if _, err := client.Initialize(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return &mcpConn{client: client}, nil
	}
}

func (c *mcpConn) ListTools(ctx context.Context) ([]trace.ToolDescriptor, error) {
	tools, err := c.client.ListAllTools(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]trace.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		res = append(res, trace.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return res, nil
}

func (c *mcpConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResponse, error) {
	if args == nil {
		args = map[string]any{}
	}
	return c.client.CallTool(ctx, name, args)
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}
