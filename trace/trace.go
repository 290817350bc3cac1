// Package trace defines the ordered record of one reasoning cycle: user input,
// assistant reasoning, tool calls and their results.
package trace

import (
	"encoding/json"
	"strings"
)

// ToolDescriptor describes a tool advertised by a server
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCallRequest is a tool invocation issued by the reasoning backend
type ToolCallRequest struct {
	// ID correlates the request with its result
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ErrorKind classifies a failed tool call
type ErrorKind string

// Error kinds
const (
	ErrorKindUnknownTool       ErrorKind = "UnknownTool"
	ErrorKindUnreachable       ErrorKind = "Unreachable"
	ErrorKindTimeout           ErrorKind = "Timeout"
	ErrorKindRemoteError       ErrorKind = "RemoteError"
	ErrorKindMalformedResponse ErrorKind = "MalformedResponse"
	ErrorKindExtractionFailure ErrorKind = "ExtractionFailure"
)

// Payload is the value returned by a successful tool call
type Payload struct {
	// Text holds the text blocks of the tool response
	Text []string `json:"text,omitempty"`
	// Structured holds the structured response, if the tool returned one
	Structured json.RawMessage `json:"structured,omitempty"`
}

// String returns the textual representation of the payload:
// the text blocks joined by new lines, or the structured value.
func (p *Payload) String() string {
	if p == nil {
		return ""
	}
	if len(p.Text) > 0 {
		return strings.Join(p.Text, "\n")
	}
	return string(p.Structured)
}

// Failure describes a failed tool call
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ToolCallResult is either a success with Payload, or a Failure
type ToolCallResult struct {
	CallID   string   `json:"call_id"`
	ToolName string   `json:"tool_name"`
	Payload  *Payload `json:"payload,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
}

// Success returns a successful result for the request
func Success(req ToolCallRequest, payload Payload) ToolCallResult {
	return ToolCallResult{
		CallID:   req.ID,
		ToolName: req.ToolName,
		Payload:  &payload,
	}
}

// Failed returns a failed result for the request
func Failed(req ToolCallRequest, kind ErrorKind, message string) ToolCallResult {
	return ToolCallResult{
		CallID:   req.ID,
		ToolName: req.ToolName,
		Failure:  &Failure{Kind: kind, Message: message},
	}
}

// IsSuccess returns true for a successful result
func (r ToolCallResult) IsSuccess() bool {
	return r.Failure == nil
}

// Text returns the payload text, or a description of the failure
func (r ToolCallResult) Text() string {
	if r.Failure != nil {
		return "Error (" + string(r.Failure.Kind) + "): " + r.Failure.Message
	}
	return r.Payload.String()
}
