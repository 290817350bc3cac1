package agent_test

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/toolset"
	"github.com/effective-security/mcpagent/trace"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	steps []*agent.Step
	err   error
	seen  []trace.Trace
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Next(_ context.Context, _ *toolset.Toolset, t trace.Trace) (*agent.Step, error) {
	b.seen = append(b.seen, t.Clone())
	if b.err != nil {
		return nil, b.err
	}
	if len(b.steps) == 0 {
		return &agent.Step{Text: "done"}, nil
	}
	step := b.steps[0]
	b.steps = b.steps[1:]
	return step, nil
}

// loopBackend always asks for another tool call
type loopBackend struct{}

func (loopBackend) Name() string { return "loop" }

func (loopBackend) Next(context.Context, *toolset.Toolset, trace.Trace) (*agent.Step, error) {
	return &agent.Step{Calls: []trace.ToolCallRequest{{ToolName: "echo"}}}, nil
}

type dispatchFunc func(ctx context.Context, req trace.ToolCallRequest) trace.ToolCallResult

func (f dispatchFunc) Call(ctx context.Context, req trace.ToolCallRequest, _ *toolset.Toolset) trace.ToolCallResult {
	return f(ctx, req)
}

func echo(_ context.Context, req trace.ToolCallRequest) trace.ToolCallResult {
	return trace.Success(req, trace.Payload{Text: []string{req.ToolName + " ok"}})
}

func TestRun_AnswerWithoutTools(t *testing.T) {
	backend := &scriptedBackend{steps: []*agent.Step{{Text: "Hello there"}}}
	a := agent.New(backend, dispatchFunc(echo), nil)

	prior := trace.Trace{trace.UserTurn{Text: "hi"}, trace.AssistantTurn{Text: "hey"}}
	got, err := a.Run(context.Background(), "how are you?", prior)
	require.NoError(t, err)

	exp := trace.Trace{
		trace.UserTurn{Text: "hi"},
		trace.AssistantTurn{Text: "hey"},
		trace.UserTurn{Text: "how are you?"},
		trace.AssistantTurn{Text: "Hello there"},
	}
	assert.Empty(t, cmp.Diff(exp, got))
	// prior is not modified
	assert.Len(t, prior, 2)
	require.Len(t, backend.seen, 1)
	assert.Len(t, backend.seen[0], 3)
}

func TestRun_ToolCallsThenAnswer(t *testing.T) {
	backend := &scriptedBackend{steps: []*agent.Step{
		{
			Text: "let me check",
			Calls: []trace.ToolCallRequest{
				{ID: "c1", ToolName: "get_weather", Arguments: map[string]any{"city": "Paris"}},
				{ToolName: "get_joke"},
			},
		},
		{Text: "It is sunny"},
	}}
	var buf bytes.Buffer
	a := agent.New(backend, dispatchFunc(echo), nil, agent.WithCallback(agent.NewPrinterCallback(&buf)))

	got, err := a.Run(context.Background(), "weather?", nil)
	require.NoError(t, err)
	require.Len(t, got, 7)

	assert.Equal(t, trace.UserTurn{Text: "weather?"}, got[0])
	assert.Equal(t, trace.AssistantTurn{Text: "let me check"}, got[1])

	call1 := got[2].(trace.ToolCallTurn).Request
	call2 := got[3].(trace.ToolCallTurn).Request
	assert.Equal(t, "c1", call1.ID)
	assert.NotEmpty(t, call2.ID)
	assert.Equal(t, "get_joke", call2.ToolName)

	res1 := got[4].(trace.ToolResultTurn).Result
	res2 := got[5].(trace.ToolResultTurn).Result
	assert.Equal(t, call1.ID, res1.CallID)
	assert.Equal(t, call2.ID, res2.CallID)
	assert.Equal(t, "get_weather ok", res1.Text())

	assert.Equal(t, trace.AssistantTurn{Text: "It is sunny"}, got[6])

	// the second step sees the results of the first
	require.Len(t, backend.seen, 2)
	assert.Len(t, backend.seen[1], 6)

	out := buf.String()
	assert.Contains(t, out, "Agent Start: weather?\n")
	assert.Contains(t, out, "Tool End: get_weather [ok] get_weather ok\n")
	assert.Contains(t, out, "Agent End: 7 turns\n")
}

func TestRun_ResultsInRequestOrder(t *testing.T) {
	// the first call completes last
	d := dispatchFunc(func(ctx context.Context, req trace.ToolCallRequest) trace.ToolCallResult {
		if req.ID == "slow" {
			time.Sleep(100 * time.Millisecond)
		}
		return echo(ctx, req)
	})
	backend := &scriptedBackend{steps: []*agent.Step{
		{Calls: []trace.ToolCallRequest{
			{ID: "slow", ToolName: "a"},
			{ID: "fast1", ToolName: "b"},
			{ID: "fast2", ToolName: "c"},
		}},
	}}
	a := agent.New(backend, d, nil)

	got, err := a.Run(context.Background(), "go", nil)
	require.NoError(t, err)

	var ids []string
	for _, turn := range got {
		if r, ok := turn.(trace.ToolResultTurn); ok {
			ids = append(ids, r.Result.CallID)
		}
	}
	assert.Equal(t, []string{"slow", "fast1", "fast2"}, ids)
}

func TestRun_ParallelDispatch(t *testing.T) {
	var running, peak atomic.Int32
	d := dispatchFunc(func(ctx context.Context, req trace.ToolCallRequest) trace.ToolCallResult {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return echo(ctx, req)
	})

	calls := []trace.ToolCallRequest{{ToolName: "a"}, {ToolName: "b"}, {ToolName: "c"}, {ToolName: "d"}}

	t.Run("limited", func(t *testing.T) {
		peak.Store(0)
		backend := &scriptedBackend{steps: []*agent.Step{{Calls: calls}}}
		a := agent.New(backend, d, nil, agent.WithMaxParallelCalls(2))
		_, err := a.Run(context.Background(), "go", nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})
	t.Run("unlimited", func(t *testing.T) {
		peak.Store(0)
		backend := &scriptedBackend{steps: []*agent.Step{{Calls: calls}}}
		a := agent.New(backend, d, nil)
		_, err := a.Run(context.Background(), "go", nil)
		require.NoError(t, err)
		assert.Greater(t, peak.Load(), int32(1))
	})
}

func TestRun_MaxIterations(t *testing.T) {
	var calls atomic.Int32
	d := dispatchFunc(func(ctx context.Context, req trace.ToolCallRequest) trace.ToolCallResult {
		calls.Add(1)
		return echo(ctx, req)
	})
	a := agent.New(loopBackend{}, d, nil, agent.WithMaxIterations(3))
	assert.Equal(t, 3, a.Config().MaxIterations)

	got, err := a.Run(context.Background(), "loop", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	// user turn and a call with its result per iteration
	assert.Len(t, got, 7)
	_, ok := got[len(got)-1].(trace.ToolResultTurn)
	assert.True(t, ok)
}

func TestRun_DefaultConfig(t *testing.T) {
	a := agent.New(loopBackend{}, dispatchFunc(echo), nil)
	cfg := a.Config()
	assert.Equal(t, agent.DefaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, 0, cfg.MaxToolRetries)
	assert.Equal(t, agent.NoopCallback{}, cfg.Callback)
}

func TestRun_BackendError(t *testing.T) {
	backend := &scriptedBackend{err: errors.New("rate limited")}
	a := agent.New(backend, dispatchFunc(echo), nil)

	got, err := a.Run(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, "backend scripted: rate limited", err.Error())
	assert.Equal(t, trace.Trace{trace.UserTurn{Text: "hi"}}, got)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backend := &scriptedBackend{}
	a := agent.New(backend, dispatchFunc(echo), nil)
	got, err := a.Run(ctx, "hi", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, got, 1)
	assert.Empty(t, backend.seen)
}

type cancelAfter struct {
	agent.NoopCallback
	n      int32
	ended  atomic.Int32
	cancel context.CancelFunc
}

func (c *cancelAfter) OnToolEnd(context.Context, trace.ToolCallRequest, trace.ToolCallResult) {
	if c.ended.Add(1) == c.n {
		c.cancel()
	}
}

func TestRun_CancelledDuringDispatch(t *testing.T) {
	tcases := []struct {
		name      string
		order     []string
		completed []string
	}{
		{name: "fast_first", order: []string{"fast", "slow", "fast2"}, completed: []string{"fast"}},
		{name: "slow_first", order: []string{"slow", "fast", "fast2"}, completed: nil},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			d := dispatchFunc(func(ctx context.Context, req trace.ToolCallRequest) trace.ToolCallResult {
				if req.ID == "slow" {
					<-ctx.Done()
					return trace.Failed(req, trace.ErrorKindTimeout, "cancelled")
				}
				return echo(ctx, req)
			})
			// cancel once both fast calls are recorded
			cb := &cancelAfter{n: 2, cancel: cancel}

			var calls []trace.ToolCallRequest
			for _, id := range tc.order {
				calls = append(calls, trace.ToolCallRequest{ID: id, ToolName: id})
			}
			backend := &scriptedBackend{steps: []*agent.Step{{Calls: calls}}}
			a := agent.New(backend, d, nil, agent.WithCallback(cb))

			got, err := a.Run(ctx, "go", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, context.Canceled))

			var results []string
			for _, turn := range got {
				if r, ok := turn.(trace.ToolResultTurn); ok {
					results = append(results, r.Result.CallID)
				}
			}
			assert.Equal(t, tc.completed, results)
			// user turn, three calls and the completed results
			assert.Len(t, got, 4+len(tc.completed))
		})
	}
}

func TestRun_RetriesUnreachable(t *testing.T) {
	newDispatcher := func(kind trace.ErrorKind, failures int) (agent.Dispatcher, *atomic.Int32) {
		var attempts atomic.Int32
		return dispatchFunc(func(ctx context.Context, req trace.ToolCallRequest) trace.ToolCallResult {
			if int(attempts.Add(1)) <= failures {
				return trace.Failed(req, kind, "connection refused")
			}
			return echo(ctx, req)
		}), &attempts
	}

	tcases := []struct {
		name     string
		kind     trace.ErrorKind
		retries  int
		attempts int32
		success  bool
	}{
		{name: "unreachable_retried", kind: trace.ErrorKindUnreachable, retries: 1, attempts: 2, success: true},
		{name: "unreachable_no_retries", kind: trace.ErrorKindUnreachable, retries: 0, attempts: 1, success: false},
		{name: "remote_not_retried", kind: trace.ErrorKindRemoteError, retries: 2, attempts: 1, success: false},
		{name: "timeout_not_retried", kind: trace.ErrorKindTimeout, retries: 2, attempts: 1, success: false},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			d, attempts := newDispatcher(tc.kind, 1)
			backend := &scriptedBackend{steps: []*agent.Step{
				{Calls: []trace.ToolCallRequest{{ID: "c1", ToolName: "get_joke"}}},
			}}
			a := agent.New(backend, d, nil,
				agent.WithMaxToolRetries(tc.retries),
				agent.WithCallback(agent.NewPackageLoggerCallback(nil)),
			)

			got, err := a.Run(context.Background(), "joke", nil)
			require.NoError(t, err)
			assert.Equal(t, tc.attempts, attempts.Load())

			res := got.Results()["c1"]
			assert.Equal(t, tc.success, res.IsSuccess())
			if !tc.success {
				assert.Equal(t, tc.kind, res.Failure.Kind)
			}
		})
	}
}
