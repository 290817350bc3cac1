package httptransport

import (
	"context"
	"sync"

	"github.com/effective-security/mcpagent/mcp/transport"
)

// handlers holds the callbacks installed by the protocol layer
type handlers struct {
	lock    sync.RWMutex
	message func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	err     func(error)
	close   func()
}

func (h *handlers) setMessage(fn func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	h.lock.Lock()
	h.message = fn
	h.lock.Unlock()
}

func (h *handlers) setError(fn func(error)) {
	h.lock.Lock()
	h.err = fn
	h.lock.Unlock()
}

func (h *handlers) setClose(fn func()) {
	h.lock.Lock()
	h.close = fn
	h.lock.Unlock()
}

func (h *handlers) dispatch(ctx context.Context, message *transport.BaseJsonRpcMessage) {
	h.lock.RLock()
	fn := h.message
	h.lock.RUnlock()
	if fn != nil {
		fn(ctx, message)
	}
}

func (h *handlers) report(err error) {
	h.lock.RLock()
	fn := h.err
	h.lock.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (h *handlers) closed() {
	h.lock.RLock()
	fn := h.close
	h.lock.RUnlock()
	if fn != nil {
		fn()
	}
}
