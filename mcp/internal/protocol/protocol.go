// Package protocol implements JSON-RPC request/response correlation on top of
// a pluggable transport.
//
// Outgoing requests wait on a buffered channel keyed by request id. A request
// ends when the response arrives, the caller context is done, the per-request
// timeout expires, or the connection closes. Abandoned requests are announced
// to the remote side with notifications/cancelled.
//
// Incoming requests are served by handlers registered with SetRequestHandler,
// each on its own goroutine, and can be cancelled by the remote side.
//
// All public methods are safe for concurrent use.
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcp/protocol")

// DefaultRequestTimeout is used when RequestOptions.Timeout is not set
const DefaultRequestTimeout = 60 * time.Second

const (
	methodCancelled   = "notifications/cancelled"
	methodInitialized = "notifications/initialized"
)

var errClosed = errors.Mark(errors.New("connection closed"), transport.ErrUnreachable)

// RequestOptions contains options that can be given per request
type RequestOptions struct {
	// Timeout specifies a timeout for this request.
	// If not specified, DefaultRequestTimeout is used.
	Timeout time.Duration
}

// RequestHandler serves a request and returns its result
type RequestHandler func(ctx context.Context, request *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error)

// NotificationHandler serves a notification
type NotificationHandler func(notification *transport.BaseJSONRPCNotification) error

type reply struct {
	result json.RawMessage
	err    error
}

// calls tracks outgoing requests waiting for a reply
type calls struct {
	lock    sync.Mutex
	waiting map[transport.RequestId]chan reply
	closed  bool
}

func (c *calls) add(id transport.RequestId) (chan reply, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil, errors.WithStack(errClosed)
	}
	ch := make(chan reply, 1)
	c.waiting[id] = ch
	return ch, nil
}

func (c *calls) remove(id transport.RequestId) {
	c.lock.Lock()
	delete(c.waiting, id)
	c.lock.Unlock()
}

// deliver returns false if nobody waits for the reply
func (c *calls) deliver(id transport.RequestId, r reply) bool {
	c.lock.Lock()
	ch := c.waiting[id]
	delete(c.waiting, id)
	c.lock.Unlock()

	if ch == nil {
		return false
	}
	ch <- r
	return true
}

func (c *calls) failAll(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	for id, ch := range c.waiting {
		ch <- reply{err: err}
		delete(c.waiting, id)
	}
}

// Protocol implements MCP protocol framing on top of a pluggable transport
type Protocol struct {
	transport transport.Transport
	lastID    atomic.Int64
	outgoing  calls

	lock          sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	inflight      map[transport.RequestId]context.CancelFunc

	// OnClose is called when the connection is closed for any reason
	OnClose func()
	// OnError is called when an out of band error occurs
	OnError func(error)
}

// NewProtocol creates a new Protocol instance
func NewProtocol() *Protocol {
	p := &Protocol{
		outgoing:      calls{waiting: make(map[transport.RequestId]chan reply)},
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		inflight:      make(map[transport.RequestId]context.CancelFunc),
	}
	p.SetNotificationHandler(methodCancelled, p.onCancelled)
	p.SetNotificationHandler(methodInitialized, func(*transport.BaseJSONRPCNotification) error { return nil })
	return p
}

// Connect attaches to the given transport and starts it
func (p *Protocol) Connect(ctx context.Context, tr transport.Transport) error {
	p.lock.Lock()
	p.transport = tr
	p.lock.Unlock()

	tr.SetCloseHandler(p.onClose)
	tr.SetErrorHandler(p.reportError)
	tr.SetMessageHandler(p.onMessage)
	return tr.Start(ctx)
}

// Close closes the connection
func (p *Protocol) Close() error {
	tr := p.getTransport()
	if tr == nil {
		return nil
	}
	return tr.Close()
}

func (p *Protocol) getTransport() transport.Transport {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.transport
}

func (p *Protocol) onMessage(ctx context.Context, message *transport.BaseJsonRpcMessage) {
	switch message.Type {
	case transport.BaseMessageTypeJSONRPCRequestType:
		p.serve(ctx, message.JsonRpcRequest)
	case transport.BaseMessageTypeJSONRPCNotificationType:
		p.notify(message.JsonRpcNotification)
	case transport.BaseMessageTypeJSONRPCResponseType:
		p.settle(message.JsonRpcResponse.Id, reply{result: message.JsonRpcResponse.Result})
	case transport.BaseMessageTypeJSONRPCErrorType:
		p.settle(message.JsonRpcError.Id, reply{err: transport.NewRPCError(message.JsonRpcError.Error)})
	}
}

func (p *Protocol) onClose() {
	p.outgoing.failAll(errClosed)

	p.lock.Lock()
	for id, cancel := range p.inflight {
		cancel()
		delete(p.inflight, id)
	}
	p.lock.Unlock()

	if p.OnClose != nil {
		p.OnClose()
	}
}

func (p *Protocol) reportError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

func (p *Protocol) settle(id transport.RequestId, r reply) {
	if !p.outgoing.deliver(id, r) {
		logger.KV(xlog.DEBUG, "status", "unexpected_response", "id", id)
	}
}

func (p *Protocol) notify(n *transport.BaseJSONRPCNotification) {
	p.lock.RLock()
	handler := p.notifications[n.Method]
	p.lock.RUnlock()

	if handler == nil {
		logger.KV(xlog.DEBUG, "status", "ignored_notification", "method", n.Method)
		return
	}
	go func() {
		if err := handler(n); err != nil {
			p.reportError(errors.WithMessagef(err, "notification %s", n.Method))
		}
	}()
}

func (p *Protocol) onCancelled(n *transport.BaseJSONRPCNotification) error {
	var params struct {
		RequestID transport.RequestId `json:"requestId"`
		Reason    string              `json:"reason"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return errors.Wrap(err, "invalid cancelled params")
	}

	p.lock.RLock()
	cancel := p.inflight[params.RequestID]
	p.lock.RUnlock()

	if cancel != nil {
		logger.KV(xlog.DEBUG, "status", "cancelled", "id", params.RequestID, "reason", params.Reason)
		cancel()
	}
	return nil
}

// serve runs the handler of the request and sends its outcome
func (p *Protocol) serve(ctx context.Context, req *transport.BaseJSONRPCRequest) {
	p.lock.RLock()
	handler := p.requests[req.Method]
	p.lock.RUnlock()

	if handler == nil {
		p.sendError(req.Id, transport.CodeMethodNotFound, errors.Errorf("method not found: %s", req.Method))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.lock.Lock()
	p.inflight[req.Id] = cancel
	p.lock.Unlock()

	go func() {
		defer func() {
			p.lock.Lock()
			delete(p.inflight, req.Id)
			p.lock.Unlock()
			cancel()
		}()

		result, err := handler(ctx, req)
		if err != nil {
			logger.ContextKV(ctx, xlog.DEBUG, "method", req.Method, "id", req.Id, "err", err.Error())
			p.sendError(req.Id, errorCode(err), err)
			return
		}

		js, err := json.Marshal(result)
		if err != nil {
			p.sendError(req.Id, transport.CodeInternalError, errors.Wrap(err, "failed to marshal result"))
			return
		}
		err = p.getTransport().Send(ctx, transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
			Jsonrpc: "2.0",
			Id:      req.Id,
			Result:  js,
		}))
		if err != nil {
			p.reportError(errors.WithMessagef(err, "response to %s", req.Method))
		}
	}()
}

func (p *Protocol) sendError(id transport.RequestId, code int, err error) {
	msg := transport.NewBaseMessageError(&transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Id:      id,
		Error: transport.BaseJSONRPCErrorInner{
			Code:    code,
			Message: err.Error(),
		},
	})
	if err := p.getTransport().Send(context.Background(), msg); err != nil {
		p.reportError(errors.WithMessage(err, "error response"))
	}
}

// Request sends a request and waits for its result
func (p *Protocol) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	tr := p.getTransport()
	if tr == nil {
		return nil, errors.New("not connected")
	}

	timeout := DefaultRequestTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var raw json.RawMessage
	if params != nil {
		js, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal params")
		}
		raw = js
	}

	id := transport.RequestId(p.lastID.Add(1))
	ch, err := p.outgoing.add(id)
	if err != nil {
		return nil, err
	}
	defer p.outgoing.remove(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	err = tr.Send(ctx, transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  raw,
		Id:      id,
	}))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to send request: %s", method)
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		p.cancelRemote(id, ctx.Err().Error())
		return nil, errors.WithStack(ctx.Err())
	case <-timer.C:
		p.cancelRemote(id, "request timeout")
		return nil, errors.Mark(errors.Errorf("request timeout after %v: %s", timeout, method), transport.ErrTimeout)
	}
}

func (p *Protocol) cancelRemote(id transport.RequestId, reason string) {
	err := p.Notification(methodCancelled, map[string]any{
		"requestId": id,
		"reason":    reason,
	})
	if err != nil {
		p.reportError(errors.WithMessage(err, "cancel notification"))
	}
}

// Notification emits a one-way message that does not expect a response
func (p *Protocol) Notification(method string, params any) error {
	tr := p.getTransport()
	if tr == nil {
		return errors.New("not connected")
	}

	n := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
	}
	if params != nil {
		js, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "failed to marshal notification params")
		}
		n.Params = js
	}
	return tr.Send(context.Background(), transport.NewBaseMessageNotification(n))
}

// SetRequestHandler registers the handler of requests with the method
func (p *Protocol) SetRequestHandler(method string, handler RequestHandler) {
	p.lock.Lock()
	p.requests[method] = handler
	p.lock.Unlock()
}

// SetNotificationHandler registers the handler of notifications with the method
func (p *Protocol) SetNotificationHandler(method string, handler NotificationHandler) {
	p.lock.Lock()
	p.notifications[method] = handler
	p.lock.Unlock()
}

// InvalidParamsError marks handler errors caused by the caller's input
type InvalidParamsError struct {
	Err error
}

func (e *InvalidParamsError) Error() string { return e.Err.Error() }
func (e *InvalidParamsError) Unwrap() error { return e.Err }

// InvalidParams wraps err to be reported with the invalid params code
func InvalidParams(err error) error {
	return &InvalidParamsError{Err: err}
}

func errorCode(err error) int {
	var ip *InvalidParamsError
	if errors.As(err, &ip) {
		return transport.CodeInvalidParams
	}
	return transport.CodeServerError
}
