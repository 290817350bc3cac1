package agent

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/toolset"
	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "agent")

// retryBackoff is the delay before the first retry, doubled on each attempt
const retryBackoff = 200 * time.Millisecond

// Step is the decision of the reasoning backend for one iteration
type Step struct {
	// Text is the assistant text, final when Calls is empty
	Text string
	// Calls are the tool calls to perform before the next iteration
	Calls []trace.ToolCallRequest
}

// Backend produces the next step from the toolset and the trace so far
type Backend interface {
	Name() string
	Next(ctx context.Context, ts *toolset.Toolset, t trace.Trace) (*Step, error)
}

// Dispatcher performs a tool call; failures are returned as a failed result
type Dispatcher interface {
	Call(ctx context.Context, req trace.ToolCallRequest, ts *toolset.Toolset) trace.ToolCallResult
}

// Agent runs reasoning cycles over a toolset
type Agent struct {
	backend    Backend
	dispatcher Dispatcher
	toolset    *toolset.Toolset
	cfg        *Config
}

// New returns an agent
func New(backend Backend, dispatcher Dispatcher, ts *toolset.Toolset, opts ...Option) *Agent {
	return &Agent{
		backend:    backend,
		dispatcher: dispatcher,
		toolset:    ts,
		cfg:        NewConfig(opts...),
	}
}

// Config returns the agent configuration
func (a *Agent) Config() Config {
	return *a.cfg
}

// Run appends the user text to a copy of prior and iterates until the backend
// answers without tool calls, or the iteration bound is reached.
// On error the trace built so far is returned with the error.
func (a *Agent) Run(ctx context.Context, userText string, prior trace.Trace) (trace.Trace, error) {
	started := time.Now()
	defer metricskey.PerfAgentRun.MeasureSince(started, a.backend.Name())

	a.cfg.Callback.OnAgentStart(ctx, userText)
	t, err := a.run(ctx, userText, prior)
	a.cfg.Callback.OnAgentEnd(ctx, userText, t, err)
	return t, err
}

func (a *Agent) run(ctx context.Context, userText string, prior trace.Trace) (trace.Trace, error) {
	name := a.backend.Name()
	t := prior.Clone().Append(trace.UserTurn{Text: userText})

	for i := 0; i < a.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return t, errors.WithStack(err)
		}
		metricskey.StatsAgentIterations.IncrCounter(1, name)

		step, err := a.backend.Next(ctx, a.toolset, t)
		if err != nil {
			if ctx.Err() != nil {
				return t, errors.WithStack(ctx.Err())
			}
			return t, errors.WithMessagef(err, "backend %s", name)
		}
		if step == nil {
			step = &Step{}
		}

		if len(step.Calls) == 0 {
			logger.ContextKV(ctx, xlog.DEBUG,
				"status", "answered",
				"backend", name,
				"iteration", i+1,
			)
			return t.Append(trace.AssistantTurn{Text: step.Text}), nil
		}

		if step.Text != "" {
			t = t.Append(trace.AssistantTurn{Text: step.Text})
		}
		calls := make([]trace.ToolCallRequest, len(step.Calls))
		for j, c := range step.Calls {
			if c.ID == "" {
				c.ID = "call_" + uuid.NewString()
			}
			calls[j] = c
			t = t.Append(trace.ToolCallTurn{Request: c})
		}

		results, err := a.dispatch(ctx, calls)
		t = t.Append(results...)
		if err != nil {
			logger.ContextKV(ctx, xlog.DEBUG,
				"status", "cancelled",
				"backend", name,
				"calls", len(calls),
				"completed", len(results),
			)
			return t, err
		}
	}

	logger.ContextKV(ctx, xlog.WARNING,
		"status", "iteration_limit",
		"backend", name,
		"max_iterations", a.cfg.MaxIterations,
	)
	metricskey.StatsAgentIterationLimit.IncrCounter(1, name)
	return t, nil
}

// dispatch performs the calls concurrently and returns their results in
// request order. If the context is cancelled, results are returned up to the
// first call that did not complete, together with the context error.
func (a *Agent) dispatch(ctx context.Context, calls []trace.ToolCallRequest) ([]trace.Turn, error) {
	results := make([]trace.ToolCallResult, len(calls))
	completed := make([]bool, len(calls))

	g := new(errgroup.Group)
	if a.cfg.MaxParallelCalls > 0 {
		g.SetLimit(a.cfg.MaxParallelCalls)
	}
	for i, req := range calls {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			a.cfg.Callback.OnToolStart(ctx, req)
			res := a.call(ctx, req)
			if ctx.Err() != nil {
				return nil
			}
			results[i] = res
			completed[i] = true
			a.cfg.Callback.OnToolEnd(ctx, req, res)
			return nil
		})
	}
	_ = g.Wait()

	turns := make([]trace.Turn, 0, len(calls))
	for i := range calls {
		if !completed[i] {
			return turns, errors.WithStack(ctx.Err())
		}
		turns = append(turns, trace.ToolResultTurn{Result: results[i]})
	}
	return turns, nil
}

// call dispatches the request, retrying only when the server was unreachable
func (a *Agent) call(ctx context.Context, req trace.ToolCallRequest) trace.ToolCallResult {
	res := a.dispatcher.Call(ctx, req, a.toolset)

	backoff := retryBackoff
	for attempt := 1; attempt <= a.cfg.MaxToolRetries && retryable(res); attempt++ {
		logger.ContextKV(ctx, xlog.DEBUG,
			"status", "retry",
			"tool", req.ToolName,
			"call_id", req.ID,
			"attempt", attempt,
		)
		metricskey.StatsToolCallsRetried.IncrCounter(1, req.ToolName)

		select {
		case <-ctx.Done():
			return res
		case <-time.After(backoff):
		}
		backoff *= 2

		res = a.dispatcher.Call(ctx, req, a.toolset)
	}
	return res
}

func retryable(res trace.ToolCallResult) bool {
	return res.Failure != nil && res.Failure.Kind == trace.ErrorKindUnreachable
}
