package tools

import (
	"context"
	"net/http"

	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "tools")

// Version is advertised by the tool servers
const Version = "1.0.0"

// Registrator registers tool handlers, see mcp.Server.RegisterTool
type Registrator interface {
	RegisterTool(name string, description string, handler any) error
}

var _ Registrator = (*mcp.Server)(nil)

// Provider is a group of tools served by one server
type Provider interface {
	// ServerName is advertised to clients on initialize
	ServerName() string
	// Register registers the tools of the group
	Register(r Registrator) error
}

// NoArgs is the arguments of a tool without parameters
type NoArgs struct{}

// Server is a tool server on streamable HTTP
type Server struct {
	transport *httptransport.HTTPTransport
	server    *mcp.Server
}

// NewServer registers the tools of the provider and starts serving requests
// of the transport. The catalog can not change afterwards.
func NewServer(ctx context.Context, p Provider, tr *httptransport.HTTPTransport) (*Server, error) {
	srv := mcp.NewServer(tr, mcp.WithName(p.ServerName(), Version))
	if err := p.Register(srv); err != nil {
		return nil, err
	}
	if err := srv.Serve(ctx); err != nil {
		return nil, err
	}
	return &Server{transport: tr, server: srv}, nil
}

// ToolNames returns the names of the served tools, sorted
func (s *Server) ToolNames() []string {
	return s.server.ToolNames()
}

// Handler returns the HTTP handler of the endpoint
func (s *Server) Handler() http.Handler {
	return s.transport.Handler()
}

// ListenAndServe serves on the transport address until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	logger.ContextKV(ctx, xlog.NOTICE,
		"status", "starting",
		"tools", s.ToolNames(),
		"addr", s.transport.Addr(),
	)
	defer s.server.Close()
	return s.transport.ListenAndServe(ctx)
}

// Serve runs a server of the provider on addr and endpoint until ctx is done
func Serve(ctx context.Context, p Provider, addr, endpoint string) error {
	srv, err := NewServer(ctx, p, httptransport.NewHTTPTransport(endpoint).WithAddr(addr))
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}
