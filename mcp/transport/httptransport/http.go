// Package httptransport implements the MCP streamable HTTP transport.
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcp/httptransport")

// HeaderSessionID is the streamable HTTP session header
const HeaderSessionID = "Mcp-Session-Id"

// maxBodySize limits the size of a request body
const maxBodySize = 4 << 20

const methodCancelled = "notifications/cancelled"

// HTTPTransport implements the server side of a stateless streamable HTTP transport:
// every JSON-RPC request is a POST answered with a single JSON response.
//
// Request ids are replaced with ids unique to the transport before the
// request reaches the protocol layer, so that concurrent callers using the same
// ids do not collide, and are restored in the response.
type HTTPTransport struct {
	endpoint string
	addr     string
	handlers handlers

	lastKey atomic.Int64
	// pending maps a transport key to the channel of its response
	pending sync.Map
	server  atomic.Pointer[http.Server]
}

// NewHTTPTransport creates a new HTTP transport that serves the specified endpoint path
func NewHTTPTransport(endpoint string) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		addr:     ":8080",
	}
}

// WithAddr sets the address to listen on
func (t *HTTPTransport) WithAddr(addr string) *HTTPTransport {
	t.addr = addr
	return t
}

// Addr returns the listen address
func (t *HTTPTransport) Addr() string {
	return t.addr
}

// Start implements Transport.Start.
// Requests are accepted once the transport is mounted with Handler or ListenAndServe.
func (t *HTTPTransport) Start(_ context.Context) error {
	return nil
}

// Handler returns the HTTP handler serving the endpoint
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.endpoint, t)
	return mux
}

// ListenAndServe serves the endpoint on the configured address until ctx is done
func (t *HTTPTransport) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.server.Store(srv)

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.ContextKV(ctx, xlog.NOTICE, "status", "listening", "addr", t.addr, "endpoint", t.endpoint)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.WithStack(err)
}

// Send implements Transport.Send, delivering a response to the waiting POST
func (t *HTTPTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	switch message.Type {
	case transport.BaseMessageTypeJSONRPCNotificationType, transport.BaseMessageTypeJSONRPCRequestType:
		// server initiated messages need a stream, which this transport does not keep
		return nil
	}

	key := int64(message.MessageID())
	v, ok := t.pending.Load(key)
	if !ok {
		logger.ContextKV(ctx, xlog.DEBUG, "status", "no_caller", "key", key)
		return errors.Errorf("no caller waits for response %d", key)
	}
	select {
	case v.(chan *transport.BaseJsonRpcMessage) <- message:
		return nil
	default:
		return errors.Errorf("response %d already sent", key)
	}
}

// Close implements Transport.Close
func (t *HTTPTransport) Close() error {
	if srv := t.server.Load(); srv != nil {
		if err := srv.Close(); err != nil {
			return errors.WithStack(err)
		}
	}
	t.handlers.closed()
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *HTTPTransport) SetCloseHandler(handler func()) {
	t.handlers.setClose(handler)
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *HTTPTransport) SetErrorHandler(handler func(error)) {
	t.handlers.setError(handler)
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *HTTPTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.handlers.setMessage(handler)
}

// ServeHTTP implements http.Handler
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.servePost(w, r)
	case http.MethodDelete:
		// sessions are not tracked, nothing to terminate
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Only POST method is supported", http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) servePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		t.handlers.report(errors.Wrap(err, "failed to read request body"))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	message, err := transport.ParseMessage(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, transport.NewBaseMessageError(&transport.BaseJSONRPCError{
			Jsonrpc: "2.0",
			Error: transport.BaseJSONRPCErrorInner{
				Code:    transport.CodeParseError,
				Message: err.Error(),
			},
		}))
		return
	}

	if message.Type != transport.BaseMessageTypeJSONRPCRequestType {
		// Request ids are rewritten per POST, so a cancellation would name
		// another caller's request. An abandoned POST cancels its handler.
		if message.Type == transport.BaseMessageTypeJSONRPCNotificationType &&
			message.JsonRpcNotification.Method == methodCancelled {
			logger.ContextKV(ctx, xlog.DEBUG, "status", "cancel_ignored")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		t.handlers.dispatch(ctx, message)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	req := message.JsonRpcRequest
	if req.Method == "initialize" {
		w.Header().Set(HeaderSessionID, uuid.NewString())
	} else if sid := r.Header.Get(HeaderSessionID); sid != "" {
		w.Header().Set(HeaderSessionID, sid)
	}

	response, err := t.roundTrip(ctx, req)
	if err != nil {
		logger.ContextKV(ctx, xlog.DEBUG, "status", "abandoned", "method", req.Method, "err", err.Error())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// roundTrip passes the request to the protocol layer under a transport key
// and waits for its response
func (t *HTTPTransport) roundTrip(ctx context.Context, req *transport.BaseJSONRPCRequest) (*transport.BaseJsonRpcMessage, error) {
	key := t.lastKey.Add(1)
	ch := make(chan *transport.BaseJsonRpcMessage, 1)
	t.pending.Store(key, ch)
	defer t.pending.Delete(key)

	callerID := req.Id
	req.Id = transport.RequestId(key)
	t.handlers.dispatch(ctx, transport.NewBaseMessageRequest(req))

	select {
	case response := <-ch:
		switch response.Type {
		case transport.BaseMessageTypeJSONRPCResponseType:
			response.JsonRpcResponse.Id = callerID
		case transport.BaseMessageTypeJSONRPCErrorType:
			response.JsonRpcError.Id = callerID
		}
		return response, nil
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

func writeJSON(w http.ResponseWriter, status int, message *transport.BaseJsonRpcMessage) {
	js, err := json.Marshal(message)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(js)
}
