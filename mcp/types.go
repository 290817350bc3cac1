package mcp

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// ProtocolVersion is the MCP revision spoken by this package
const ProtocolVersion = "2025-03-26"

// ContentType is the type of a tool response content block
type ContentType string

const (
	// ContentTypeText is a text content
	ContentTypeText ContentType = "text"
	// ContentTypeImage is a base64 encoded image
	ContentTypeImage ContentType = "image"
	// ContentTypeResource is an embedded resource
	ContentTypeResource ContentType = "resource"
)

// Content is a single block of a tool response
type Content struct {
	Type     ContentType     `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewTextContent returns a text content block
func NewTextContent(text string) *Content {
	return &Content{Type: ContentTypeText, Text: text}
}

// ToolResponse is the result of tools/call
type ToolResponse struct {
	Content           []*Content      `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// NewToolResponse returns a response with the given content
func NewToolResponse(content ...*Content) *ToolResponse {
	return &ToolResponse{Content: content}
}

// NewTextResponse returns a response with a single text block
func NewTextResponse(text string) *ToolResponse {
	return NewToolResponse(NewTextContent(text))
}

// NewJSONResponse returns a response with v serialized both as a text block
// and as structured content. Values that are not JSON objects are wrapped
// as {"result": v}.
func NewJSONResponse(v any) (*ToolResponse, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal tool result")
	}
	structured := json.RawMessage(js)
	if !strings.HasPrefix(strings.TrimSpace(string(js)), "{") {
		structured, err = json.Marshal(map[string]json.RawMessage{"result": js})
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return &ToolResponse{
		Content:           []*Content{NewTextContent(string(js))},
		StructuredContent: structured,
	}, nil
}

// Texts returns the text of all text blocks
func (r *ToolResponse) Texts() []string {
	var res []string
	for _, c := range r.Content {
		if c != nil && c.Type == ContentTypeText {
			res = append(res, c.Text)
		}
	}
	return res
}

// Tool describes a tool advertised by a server
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsResponse is the result of tools/list
type ToolsResponse struct {
	Tools      []Tool  `json:"tools"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// Implementation names a client or server
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability describes the tools support of a server
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is advertised on initialize
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeRequest is the params of initialize
type InitializeRequest struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResponse is the result of initialize
type InitializeResponse struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ListToolsRequest is the params of tools/list
type ListToolsRequest struct {
	Cursor *string `json:"cursor,omitempty"`
}

// CallToolRequest is the params of tools/call
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
