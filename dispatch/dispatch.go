// Package dispatch routes tool calls to the server owning the tool and
// normalizes every outcome into a trace.ToolCallResult.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/toolset"
	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "dispatch")

// DefaultTimeout bounds a single tool call
const DefaultTimeout = 30 * time.Second

// Bridge performs tool calls. It never retries.
type Bridge struct {
	timeout  time.Duration
	validate bool
	schemas  schemaCache
}

// Option configures Bridge
type Option func(*Bridge)

// WithTimeout sets the bound of a single tool call
func WithTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// WithArgumentValidation validates the arguments against the input schema
// of the tool before calling the server
func WithArgumentValidation(enabled bool) Option {
	return func(b *Bridge) {
		b.validate = enabled
	}
}

// New returns a Bridge
func New(opts ...Option) *Bridge {
	b := &Bridge{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Timeout returns the bound of a single tool call
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

// Call invokes the tool named by the request on its owning server.
// Failures of any kind are returned as a failed result.
func (b *Bridge) Call(ctx context.Context, req trace.ToolCallRequest, ts *toolset.Toolset) trace.ToolCallResult {
	entry, ok := ts.Lookup(req.ToolName)
	if !ok {
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_not_found",
			"tool", req.ToolName,
			"call_id", req.ID,
		)
		metricskey.StatsToolCallsNotFound.IncrCounter(1, req.ToolName)
		return trace.Failed(req, trace.ErrorKindUnknownTool, fmt.Sprintf("tool %q is not available", req.ToolName))
	}

	if b.validate {
		if err := b.schemas.validate(entry, req.Arguments); err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "invalid_arguments",
				"tool", req.ToolName,
				"call_id", req.ID,
				"err", err.Error(),
			)
			metricskey.StatsToolCallsFailed.IncrCounter(1, req.ToolName, string(trace.ErrorKindRemoteError))
			return trace.Failed(req, trace.ErrorKindRemoteError, err.Error())
		}
	}

	started := time.Now()
	defer metricskey.PerfToolCall.MeasureSince(started, req.ToolName, entry.Endpoint.Name)

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res, err := invoke(callCtx, entry, req)
	if err != nil {
		kind := Classify(err)
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_failed",
			"tool", req.ToolName,
			"server", entry.Endpoint.Name,
			"call_id", req.ID,
			"kind", kind,
			"elapsed", time.Since(started).String(),
			"err", err.Error(),
		)
		metricskey.StatsToolCallsFailed.IncrCounter(1, req.ToolName, string(kind))
		return trace.Failed(req, kind, err.Error())
	}

	if res.IsError {
		msg := slices.StringUpto(joinTexts(res), 4096)
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_error",
			"tool", req.ToolName,
			"server", entry.Endpoint.Name,
			"call_id", req.ID,
			"err", msg,
		)
		metricskey.StatsToolCallsFailed.IncrCounter(1, req.ToolName, string(trace.ErrorKindRemoteError))
		return trace.Failed(req, trace.ErrorKindRemoteError, msg)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "tool_succeeded",
		"tool", req.ToolName,
		"server", entry.Endpoint.Name,
		"call_id", req.ID,
		"elapsed", time.Since(started).String(),
	)
	metricskey.StatsToolCallsSucceeded.IncrCounter(1, req.ToolName, entry.Endpoint.Name)

	return trace.Success(req, trace.Payload{
		Text:       res.Texts(),
		Structured: res.StructuredContent,
	})
}

func invoke(ctx context.Context, entry *toolset.Entry, req trace.ToolCallRequest) (res *mcp.ToolResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Errorf("tool call panicked: %v", r), transport.ErrRemote)
		}
	}()

	res, err = entry.Conn.CallTool(ctx, req.ToolName, req.Arguments)
	if err == nil && res == nil {
		err = errors.Mark(errors.New("empty tool response"), transport.ErrMalformedResponse)
	}
	return res, err
}

// Classify maps a call error to an error kind
func Classify(err error) trace.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, transport.ErrTimeout):
		return trace.ErrorKindTimeout
	case errors.Is(err, transport.ErrUnreachable):
		return trace.ErrorKindUnreachable
	case errors.Is(err, transport.ErrMalformedResponse):
		return trace.ErrorKindMalformedResponse
	default:
		return trace.ErrorKindRemoteError
	}
}

func joinTexts(res *mcp.ToolResponse) string {
	p := trace.Payload{Text: res.Texts(), Structured: res.StructuredContent}
	if s := p.String(); s != "" {
		return s
	}
	return "tool reported an error"
}
