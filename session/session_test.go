package session_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/extractor"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/session"
	"github.com/effective-security/mcpagent/store"
	"github.com/effective-security/mcpagent/toolset"
	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/xlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stdout))
	xlog.SetGlobalLogLevel(xlog.DEBUG)
	os.Exit(m.Run())
}

type locationArgs struct {
	Location string `json:"location" jsonschema:"description=city name"`
}

func newWeatherServer(t *testing.T) string {
	tr := httptransport.NewHTTPTransport("/mcp")
	srv := mcp.NewServer(tr, mcp.WithName("MCP weather server", "test"))
	require.NoError(t, srv.RegisterTool("get_weather", "Fetch real-time weather", func(args locationArgs) (*mcp.ToolResponse, error) {
		return mcp.NewTextResponse(fmt.Sprintf("Current temperature in %s is 20°C with windspeed 5 km/h.", args.Location)), nil
	}))
	require.NoError(t, srv.Serve(context.Background()))

	hs := httptest.NewServer(tr.Handler())
	t.Cleanup(hs.Close)
	return hs.URL + "/mcp"
}

func loadConfig(t *testing.T, servers ...string) *config.Config {
	yaml := "servers:\n"
	for i, url := range servers {
		yaml += fmt.Sprintf("  server_%d:\n    url: %s\n", i, url)
	}
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

// weatherBackend asks for the weather once per cycle, then answers with nothing
type weatherBackend struct {
	priors []int
}

func (b *weatherBackend) Name() string { return "weather" }

func (b *weatherBackend) Next(_ context.Context, ts *toolset.Toolset, t trace.Trace) (*agent.Step, error) {
	if _, ok := t[len(t)-1].(trace.UserTurn); ok {
		b.priors = append(b.priors, len(t)-1)
		user := t[len(t)-1].(trace.UserTurn)
		return &agent.Step{Calls: []trace.ToolCallRequest{
			{ToolName: "get_weather", Arguments: map[string]any{"location": user.Text}},
		}}, nil
	}
	return &agent.Step{}, nil
}

func TestSession_Submit(t *testing.T) {
	down := httptest.NewServer(nil)
	downURL := down.URL + "/mcp"
	down.Close()

	cfg := loadConfig(t, newWeatherServer(t), downURL)
	backend := &weatherBackend{}
	st := store.NewMemoryStore(0)

	ctx := context.Background()
	s, err := session.New(ctx, cfg, backend, session.WithStore(st), session.WithID("s1"))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "s1", s.ID())
	assert.Equal(t, []string{"get_weather"}, s.Toolset().Names())
	require.Len(t, s.Toolset().Failures(), 1)

	res, err := s.Submit(ctx, "Paris")
	require.NoError(t, err)
	assert.Equal(t, extractor.Answer, res.Status)
	assert.Equal(t, "Current temperature in Paris is 20°C with windspeed 5 km/h.", res.Text)

	res, err = s.Submit(ctx, "Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "Current temperature in Tokyo is 20°C with windspeed 5 km/h.", res.Text)

	// the second cycle is seeded with the first one
	assert.Equal(t, []int{0, 4}, backend.priors)

	history, err := s.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 8)

	info, err := st.Info(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 8, info.Turns)

	require.NoError(t, s.Reset(ctx))
	history, err = s.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Submit(ctx, "Paris")
	assert.True(t, errors.Is(err, session.ErrClosed))
}

func TestSession_NoServers(t *testing.T) {
	down := httptest.NewServer(nil)
	downURL := down.URL + "/mcp"
	down.Close()

	_, err := session.New(context.Background(), loadConfig(t, downURL), &weatherBackend{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, toolset.ErrNoToolsDiscovered))
}

type failingBackend struct {
	cancel context.CancelFunc
}

func (b *failingBackend) Name() string { return "failing" }

func (b *failingBackend) Next(ctx context.Context, _ *toolset.Toolset, _ trace.Trace) (*agent.Step, error) {
	b.cancel()
	return nil, ctx.Err()
}

func TestSession_CancelledCycleIsStored(t *testing.T) {
	cfg := loadConfig(t, newWeatherServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := session.New(context.Background(), cfg, &failingBackend{cancel: cancel})
	require.NoError(t, err)
	defer s.Close()
	assert.NotEmpty(t, s.ID())

	res, err := s.Submit(ctx, "Paris")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, extractor.Absent, res.Status)

	history, err := s.History(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trace.Trace{trace.UserTurn{Text: "Paris"}}, history)
}

func TestSession_DispatcherOption(t *testing.T) {
	cfg := loadConfig(t, "http://weather.local/mcp")

	conn := func(context.Context, toolset.ServerEndpoint) (toolset.Conn, error) {
		return &staticConn{}, nil
	}
	var calls []string
	s, err := session.New(context.Background(), cfg, &weatherBackend{},
		session.WithDiscoveryOptions(toolset.WithConnector(toolset.TransportStreamableHTTP, conn)),
		session.WithDispatcher(dispatchFunc(func(req trace.ToolCallRequest) trace.ToolCallResult {
			calls = append(calls, req.ToolName)
			return trace.Failed(req, trace.ErrorKindRemoteError, "quota exceeded")
		})),
		session.WithAgentOptions(agent.WithMaxIterations(1)),
	)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Submit(context.Background(), "Paris")
	require.NoError(t, err)
	assert.Equal(t, extractor.Absent, res.Status)
	assert.Equal(t, "Sorry, no answer.", res.Render("Sorry, no answer."))
	assert.Equal(t, []string{"get_weather"}, calls)
}

type staticConn struct{}

func (staticConn) ListTools(context.Context) ([]trace.ToolDescriptor, error) {
	return []trace.ToolDescriptor{{Name: "get_weather"}}, nil
}

func (staticConn) CallTool(context.Context, string, map[string]any) (*mcp.ToolResponse, error) {
	return mcp.NewTextResponse("sunny"), nil
}

func (staticConn) Close() error { return nil }

type dispatchFunc func(req trace.ToolCallRequest) trace.ToolCallResult

func (f dispatchFunc) Call(_ context.Context, req trace.ToolCallRequest, _ *toolset.Toolset) trace.ToolCallResult {
	return f(req)
}
