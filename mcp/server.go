package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/internal/protocol"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
	"github.com/go-playground/validator/v10"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcp")

// ErrCatalogSealed is returned when a tool is registered after Serve
var ErrCatalogSealed = errors.New("tool catalog is sealed")

var (
	contextType      = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType        = reflect.TypeOf((*error)(nil)).Elem()
	toolResponseType = reflect.TypeOf((*ToolResponse)(nil))
)

type toolHandler struct {
	Tool

	fn      reflect.Value
	argType reflect.Type
	withCtx bool
}

// Server exposes registered tools over a transport.
// The catalog is fixed once Serve is called.
type Server struct {
	transport transport.Transport
	protocol  *protocol.Protocol
	validate  *validator.Validate

	info            Implementation
	instructions    string
	paginationLimit int

	mu     sync.RWMutex
	tools  map[string]*toolHandler
	sealed bool
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithName sets the server name and version reported on initialize
func WithName(name, version string) ServerOption {
	return func(s *Server) {
		s.info = Implementation{Name: name, Version: version}
	}
}

// WithInstructions sets the instructions reported on initialize
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPaginationLimit sets the page size of tools/list, 0 disables pagination
func WithPaginationLimit(limit int) ServerOption {
	return func(s *Server) {
		s.paginationLimit = limit
	}
}

// NewServer returns a server for the transport
func NewServer(tr transport.Transport, opts ...ServerOption) *Server {
	s := &Server{
		transport: tr,
		protocol:  protocol.NewProtocol(),
		validate:  validator.New(),
		info:      Implementation{Name: "mcpagent", Version: "1.0.0"},
		tools:     make(map[string]*toolHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool registers a tool handler.
// The handler must be a function with the signature
//
//	func(ctx context.Context, args T) (*ToolResponse, error)
//	func(args T) (*ToolResponse, error)
//
// where T is a struct (or pointer to struct) describing the arguments.
// The input schema is reflected from T; `jsonschema` tags describe the fields
// and `validate` tags are enforced before the handler is called.
func (s *Server) RegisterTool(name, description string, handler any) error {
	if name == "" {
		return errors.New("tool name is required")
	}

	fn := reflect.ValueOf(handler)
	ft := fn.Type()
	if ft.Kind() != reflect.Func {
		return errors.Errorf("tool %s: handler must be a function", name)
	}
	if ft.NumOut() != 2 || ft.Out(0) != toolResponseType || ft.Out(1) != errorType {
		return errors.Errorf("tool %s: handler must return (*ToolResponse, error)", name)
	}

	h := &toolHandler{fn: fn}
	switch ft.NumIn() {
	case 1:
		h.argType = ft.In(0)
	case 2:
		if ft.In(0) != contextType {
			return errors.Errorf("tool %s: first handler argument must be context.Context", name)
		}
		h.withCtx = true
		h.argType = ft.In(1)
	default:
		return errors.Errorf("tool %s: handler must take the arguments struct", name)
	}

	schema, err := InputSchema(h.argType)
	if err != nil {
		return errors.Wrapf(err, "tool %s", name)
	}
	h.Tool = Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return errors.Wrapf(ErrCatalogSealed, "tool %s", name)
	}
	if _, ok := s.tools[name]; ok {
		return errors.Errorf("tool %s: already registered", name)
	}
	s.tools[name] = h
	return nil
}

// ToolNames returns the registered tool names, sorted
func (s *Server) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve seals the catalog and starts serving requests from the transport
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()

	s.protocol.SetRequestHandler("initialize", s.handleInitialize)
	s.protocol.SetRequestHandler("ping", func(context.Context, *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
		return map[string]any{}, nil
	})
	s.protocol.SetRequestHandler("tools/list", s.handleListTools)
	s.protocol.SetRequestHandler("tools/call", s.handleToolCalls)
	s.protocol.OnError = func(err error) {
		logger.KV(xlog.ERROR, "server", s.info.Name, "err", err.Error())
	}

	logger.ContextKV(ctx, xlog.INFO, "status", "serving", "server", s.info.Name, "tools", len(s.tools))
	return s.protocol.Connect(ctx, s.transport)
}

// Close closes the transport
func (s *Server) Close() error {
	return s.protocol.Close()
}

func (s *Server) handleInitialize(_ context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	var params InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.InvalidParams(errors.Wrap(err, "invalid initialize params"))
		}
	}
	version := params.ProtocolVersion
	if version == "" {
		version = ProtocolVersion
	}
	return &InitializeResponse{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleListTools(_ context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	var params ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.InvalidParams(errors.Wrap(err, "invalid tools/list params"))
		}
	}

	names := s.ToolNames()

	start := 0
	if params.Cursor != nil {
		after, err := base64.StdEncoding.DecodeString(*params.Cursor)
		if err != nil {
			return nil, protocol.InvalidParams(errors.Wrap(err, "invalid cursor"))
		}
		start = sort.SearchStrings(names, string(after))
		if start < len(names) && names[start] == string(after) {
			start++
		}
	}

	end := len(names)
	if s.paginationLimit > 0 && start+s.paginationLimit < end {
		end = start + s.paginationLimit
	}

	res := &ToolsResponse{Tools: make([]Tool, 0, end-start)}
	s.mu.RLock()
	for _, name := range names[start:end] {
		res.Tools = append(res.Tools, s.tools[name].Tool)
	}
	s.mu.RUnlock()

	if end < len(names) {
		cursor := base64.StdEncoding.EncodeToString([]byte(names[end-1]))
		res.NextCursor = &cursor
	}
	return res, nil
}

func (s *Server) handleToolCalls(ctx context.Context, req *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
	var params CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.InvalidParams(errors.Wrap(err, "invalid tools/call params"))
	}

	s.mu.RLock()
	h := s.tools[params.Name]
	s.mu.RUnlock()
	if h == nil {
		return nil, protocol.InvalidParams(errors.Errorf("unknown tool: %s", params.Name))
	}

	argPtr := reflect.New(derefType(h.argType))
	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, argPtr.Interface()); err != nil {
		return nil, protocol.InvalidParams(errors.Wrap(err, "failed to unmarshal arguments"))
	}
	if err := s.validate.Struct(argPtr.Interface()); err != nil {
		return nil, protocol.InvalidParams(errors.Wrap(err, "invalid arguments"))
	}

	argVal := argPtr
	if h.argType.Kind() != reflect.Pointer {
		argVal = argPtr.Elem()
	}

	res, err := s.invoke(ctx, h, argVal)
	if err != nil {
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_failed",
			"tool", params.Name,
			"err", err.Error(),
		)
		return &ToolResponse{
			Content: []*Content{NewTextContent(err.Error())},
			IsError: true,
		}, nil
	}
	if res == nil {
		res = NewToolResponse()
	}
	if res.Content == nil {
		res.Content = []*Content{}
	}
	return res, nil
}

func (s *Server) invoke(ctx context.Context, h *toolHandler, arg reflect.Value) (res *ToolResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ContextKV(ctx, xlog.ERROR,
				"status", "tool_panic",
				"tool", h.Name,
				"panic", fmt.Sprintf("%v", r),
			)
			res = nil
			err = errors.Errorf("internal error in tool %s", h.Name)
		}
	}()

	in := []reflect.Value{arg}
	if h.withCtx {
		in = []reflect.Value{reflect.ValueOf(ctx), arg}
	}
	out := h.fn.Call(in)

	if e, ok := out[1].Interface().(error); ok && e != nil {
		return nil, e
	}
	res, _ = out[0].Interface().(*ToolResponse)
	return res, nil
}

func derefType(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}
