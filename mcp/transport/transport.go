// Package transport defines the JSON-RPC 2.0 message envelope exchanged with
// MCP tool servers and the Transport contract implemented by concrete transports.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Classification markers. Transports mark the errors they return with one of
// these so callers can use errors.Is regardless of wrapping.
var (
	// ErrUnreachable is returned when the server could not be reached
	ErrUnreachable = errors.New("server unreachable")
	// ErrTimeout is returned when the server did not answer in time
	ErrTimeout = errors.New("request timeout")
	// ErrMalformedResponse is returned when the server answer can not be decoded
	ErrMalformedResponse = errors.New("malformed response")
	// ErrRemote is returned when the server answered with an error
	ErrRemote = errors.New("remote error")
)

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeServerError is used for application errors raised by handlers
	CodeServerError = -32000
)

// Transport describes the minimal contract for a MCP transport that a client or server can communicate over.
type Transport interface {
	// Start starts processing messages on the transport, including any connection steps that might need to be taken.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC message (request, notification or response).
	Send(ctx context.Context, message *BaseJsonRpcMessage) error

	// Close closes the connection.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed for any reason.
	// This should be invoked when Close() is called as well.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for when an error occurs.
	// Note that errors are not necessarily fatal; they are used for reporting any kind of exceptional condition out of band.
	SetErrorHandler(handler func(error))

	// SetMessageHandler sets the callback for when a message (request, notification or response) is received over the connection.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}

// RequestId is the JSON-RPC request identifier
type RequestId int64

// JsonRpcBody is the result of a request handler, serialized as the response result
type JsonRpcBody any

// BaseJSONRPCRequest is a request that expects a response
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCNotification is a one-way message
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful response
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCErrorInner is the error object of an error response
type BaseJSONRPCErrorInner struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BaseJSONRPCError is an error response
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Error   BaseJSONRPCErrorInner `json:"error"`
	Id      RequestId             `json:"id"`
}

// BaseMessageType identifies the kind of a message
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage holds exactly one of the message kinds, as set by Type
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

// NewBaseMessageRequest wraps a request
func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

// NewBaseMessageNotification wraps a notification
func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

// NewBaseMessageResponse wraps a response
func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

// NewBaseMessageError wraps an error response
func NewBaseMessageError(response *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: response,
	}
}

// MessageID returns the id of a request, response or error message,
// and 0 for notifications.
func (m *BaseJsonRpcMessage) MessageID() RequestId {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return m.JsonRpcRequest.Id
	case BaseMessageTypeJSONRPCResponseType:
		return m.JsonRpcResponse.Id
	case BaseMessageTypeJSONRPCErrorType:
		return m.JsonRpcError.Id
	}
	return 0
}

// MarshalJSON serializes the wrapped message
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	}
	return nil, errors.Errorf("unknown message type: %q", m.Type)
}

// envelope is used to detect the message kind by the presence of its members
type envelope struct {
	Jsonrpc string           `json:"jsonrpc"`
	Method  *string          `json:"method"`
	Params  json.RawMessage  `json:"params"`
	Id      *json.RawMessage `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *json.RawMessage `json:"error"`
}

// ParseMessage decodes a single JSON-RPC message
func ParseMessage(data []byte) (*BaseJsonRpcMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid JSON-RPC message"), ErrMalformedResponse)
	}

	var id RequestId
	hasID := env.Id != nil && !bytes.Equal(*env.Id, []byte("null"))
	if hasID {
		if err := json.Unmarshal(*env.Id, &id); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "unsupported message id: %s", string(*env.Id)), ErrMalformedResponse)
		}
	}

	switch {
	case env.Method != nil && hasID:
		return NewBaseMessageRequest(&BaseJSONRPCRequest{
			Jsonrpc: env.Jsonrpc,
			Method:  *env.Method,
			Params:  env.Params,
			Id:      id,
		}), nil
	case env.Method != nil:
		return NewBaseMessageNotification(&BaseJSONRPCNotification{
			Jsonrpc: env.Jsonrpc,
			Method:  *env.Method,
			Params:  env.Params,
		}), nil
	case env.Error != nil:
		var inner BaseJSONRPCErrorInner
		if err := json.Unmarshal(*env.Error, &inner); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid error object"), ErrMalformedResponse)
		}
		return NewBaseMessageError(&BaseJSONRPCError{
			Jsonrpc: env.Jsonrpc,
			Error:   inner,
			Id:      id,
		}), nil
	case hasID && env.Result != nil:
		return NewBaseMessageResponse(&BaseJSONRPCResponse{
			Jsonrpc: env.Jsonrpc,
			Result:  env.Result,
			Id:      id,
		}), nil
	}
	return nil, errors.Mark(errors.New("message is not a request, notification or response"), ErrMalformedResponse)
}

// RPCError is returned by the protocol when the remote side answered with an error response
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRPCError returns an RPCError marked as ErrRemote
func NewRPCError(inner BaseJSONRPCErrorInner) error {
	return errors.Mark(&RPCError{Code: inner.Code, Message: inner.Message}, ErrRemote)
}
