package agent

import (
	"context"
	"fmt"
	"io"

	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

// Callback receives agent events.
// Tool events may be delivered concurrently for calls of the same step.
type Callback interface {
	OnAgentStart(ctx context.Context, input string)
	OnAgentEnd(ctx context.Context, input string, t trace.Trace, err error)
	OnToolStart(ctx context.Context, req trace.ToolCallRequest)
	OnToolEnd(ctx context.Context, req trace.ToolCallRequest, res trace.ToolCallResult)
}

// NoopCallback does nothing.
type NoopCallback struct{}

var _ Callback = NoopCallback{}

func (NoopCallback) OnAgentStart(context.Context, string) {}
func (NoopCallback) OnAgentEnd(context.Context, string, trace.Trace, error) {}
func (NoopCallback) OnToolStart(context.Context, trace.ToolCallRequest) {}
func (NoopCallback) OnToolEnd(context.Context, trace.ToolCallRequest, trace.ToolCallResult) {}

// PrinterCallback prints events to the Writer.
type PrinterCallback struct {
	Out io.Writer
}

// NewPrinterCallback returns a callback printing to out
func NewPrinterCallback(out io.Writer) *PrinterCallback {
	return &PrinterCallback{Out: out}
}

var _ Callback = (*PrinterCallback)(nil)

func (l *PrinterCallback) OnAgentStart(_ context.Context, input string) {
	fmt.Fprintf(l.Out, "Agent Start: %s\n", input)
}

func (l *PrinterCallback) OnAgentEnd(_ context.Context, _ string, t trace.Trace, err error) {
	if err != nil {
		fmt.Fprintf(l.Out, "Agent Error: %s\n", err.Error())
		return
	}
	fmt.Fprintf(l.Out, "Agent End: %d turns\n", len(t))
}

func (l *PrinterCallback) OnToolStart(_ context.Context, req trace.ToolCallRequest) {
	fmt.Fprintf(l.Out, "Tool Start: %s %v\n", req.ToolName, req.Arguments)
}

func (l *PrinterCallback) OnToolEnd(_ context.Context, req trace.ToolCallRequest, res trace.ToolCallResult) {
	status := "ok"
	if !res.IsSuccess() {
		status = string(res.Failure.Kind)
	}
	fmt.Fprintf(l.Out, "Tool End: %s [%s] %s\n", req.ToolName, status, slices.StringUpto(res.Text(), 256))
}

// PackageLoggerCallback logs events to the logger.
type PackageLoggerCallback struct {
	logger *xlog.PackageLogger
}

// NewPackageLoggerCallback returns a callback logging to the logger,
// or to the agent package logger if nil
func NewPackageLoggerCallback(l *xlog.PackageLogger) *PackageLoggerCallback {
	if l == nil {
		l = logger
	}
	return &PackageLoggerCallback{logger: l}
}

var _ Callback = (*PackageLoggerCallback)(nil)

func (l *PackageLoggerCallback) OnAgentStart(ctx context.Context, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG, "status", "agent_start", "input", slices.StringUpto(input, 64))
}

func (l *PackageLoggerCallback) OnAgentEnd(ctx context.Context, _ string, t trace.Trace, err error) {
	if err != nil {
		l.logger.ContextKV(ctx, xlog.DEBUG, "status", "agent_error", "turns", len(t), "err", err.Error())
		return
	}
	l.logger.ContextKV(ctx, xlog.DEBUG, "status", "agent_end", "turns", len(t))
}

func (l *PackageLoggerCallback) OnToolStart(ctx context.Context, req trace.ToolCallRequest) {
	l.logger.ContextKV(ctx, xlog.DEBUG, "status", "tool_start", "tool", req.ToolName, "call_id", req.ID)
}

func (l *PackageLoggerCallback) OnToolEnd(ctx context.Context, req trace.ToolCallRequest, res trace.ToolCallResult) {
	l.logger.ContextKV(ctx, xlog.DEBUG, "status", "tool_end", "tool", req.ToolName, "call_id", req.ID, "success", res.IsSuccess())
}
