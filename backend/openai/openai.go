// Package openai implements the reasoning backend with the OpenAI chat
// completions API and function tools.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/toolset"
	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "backend/openai")

// BackendName is the name of the backend in logs and metrics
const BackendName = "openai"

// DefaultModel is used when no model is configured
const DefaultModel = "gpt-4o-mini"

// ErrEmptyResponse is returned when the completion has no choices
var ErrEmptyResponse = errors.New("empty response")

type options struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	temperature  float64
	maxRetries   int
	httpClient   *http.Client
}

// Option configures the backend
type Option func(*options)

// WithAPIKey sets the API key. If not set, the key is read from OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithBaseURL sets the API base URL
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithModel sets the chat model
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithSystemPrompt sets the system message sent first
func WithSystemPrompt(prompt string) Option {
	return func(o *options) {
		o.systemPrompt = prompt
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) Option {
	return func(o *options) {
		o.temperature = t
	}
}

// WithMaxRetries sets the number of retries of failed API requests
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// Backend decides the next step with a chat completion
type Backend struct {
	client       sdk.Client
	model        string
	systemPrompt string
	temperature  float64
}

var _ agent.Backend = (*Backend)(nil)

// New returns a backend
func New(opts ...Option) *Backend {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	reqOpts := []option.RequestOption{
		option.WithMaxRetries(o.maxRetries),
	}
	if o.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}

	return &Backend{
		client:       sdk.NewClient(reqOpts...),
		model:        values.StringsCoalesce(o.model, DefaultModel),
		systemPrompt: o.systemPrompt,
		temperature:  o.temperature,
	}
}

// Name returns the backend name
func (b *Backend) Name() string {
	return BackendName
}

// Model returns the chat model
func (b *Backend) Model() string {
	return b.model
}

// Next sends the trace with the tools of the toolset, and returns the
// assistant text and the tool calls of the first choice.
func (b *Backend) Next(ctx context.Context, ts *toolset.Toolset, t trace.Trace) (*agent.Step, error) {
	started := time.Now()
	defer metricskey.PerfBackendCall.MeasureSince(started, BackendName, b.model)

	params := sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(b.model),
		Messages:    Messages(b.systemPrompt, t),
		Temperature: sdk.Float(b.temperature),
	}
	if ts != nil && ts.Len() > 0 {
		params.Tools = Tools(ts.Descriptors())
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metricskey.StatsBackendCallsFailed.IncrCounter(1, BackendName, b.model)
		logger.ContextKV(ctx, xlog.ERROR,
			"status", "completion_failed",
			"model", b.model,
			"err", err.Error(),
		)
		return nil, errors.Wrap(err, "chat completion failed")
	}
	metricskey.StatsBackendCallsSucceeded.IncrCounter(1, BackendName, b.model)
	metricskey.StatsLLMInputTokens.IncrCounter(float64(resp.Usage.PromptTokens), BackendName, b.model)
	metricskey.StatsLLMOutputTokens.IncrCounter(float64(resp.Usage.CompletionTokens), BackendName, b.model)

	if len(resp.Choices) == 0 {
		return nil, errors.WithStack(ErrEmptyResponse)
	}

	msg := resp.Choices[0].Message
	step := &agent.Step{
		Text: msg.Content,
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		step.Calls = append(step.Calls, trace.ToolCallRequest{
			ID:        tc.ID,
			ToolName:  tc.Function.Name,
			Arguments: parseArguments(ctx, tc.Function.Name, tc.Function.Arguments),
		})
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"model", b.model,
		"finish_reason", resp.Choices[0].FinishReason,
		"calls", len(step.Calls),
		"input_tokens", resp.Usage.PromptTokens,
		"output_tokens", resp.Usage.CompletionTokens,
	)
	return step, nil
}

func parseArguments(ctx context.Context, tool, raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		// the server reports the missing arguments to the model
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "invalid_arguments",
			"tool", tool,
			"err", err.Error(),
		)
		return nil
	}
	return args
}
