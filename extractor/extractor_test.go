package extractor_test

import (
	"testing"

	"github.com/effective-security/mcpagent/extractor"
	"github.com/effective-security/mcpagent/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weather = trace.ToolCallRequest{ID: "c1", ToolName: "get_weather", Arguments: map[string]any{"location": "Paris"}}

func TestExtract(t *testing.T) {
	tcases := []struct {
		name   string
		trace  trace.Trace
		status extractor.Status
		text   string
	}{
		{
			name: "ends_in_success",
			trace: trace.Trace{
				trace.UserTurn{Text: "weather in Paris?"},
				trace.ToolCallTurn{Request: weather},
				trace.ToolResultTurn{Result: trace.Success(weather, trace.Payload{Text: []string{"It is 20°C in Paris"}})},
			},
			status: extractor.Answer,
			text:   "It is 20°C in Paris",
		},
		{
			name: "failure_then_assistant",
			trace: trace.Trace{
				trace.UserTurn{Text: "weather in Paris?"},
				trace.ToolCallTurn{Request: weather},
				trace.ToolResultTurn{Result: trace.Failed(weather, trace.ErrorKindUnreachable, "connection refused")},
				trace.AssistantTurn{Text: "I couldn't fetch that."},
			},
			status: extractor.Answer,
			text:   "I couldn't fetch that.",
		},
		{
			name:   "empty",
			trace:  nil,
			status: extractor.Absent,
		},
		{
			name: "success_over_newer_assistant",
			trace: trace.Trace{
				trace.UserTurn{Text: "weather in Paris?"},
				trace.ToolCallTurn{Request: weather},
				trace.ToolResultTurn{Result: trace.Success(weather, trace.Payload{Text: []string{"sunny"}})},
				trace.AssistantTurn{Text: "It is sunny."},
			},
			status: extractor.Answer,
			text:   "sunny",
		},
		{
			name: "structured_payload",
			trace: trace.Trace{
				trace.UserTurn{Text: "reply"},
				trace.ToolResultTurn{Result: trace.Success(weather, trace.Payload{Structured: []byte(`{"status":"success"}`)})},
			},
			status: extractor.Answer,
			text:   `{"status":"success"}`,
		},
		{
			name: "empty_assistant_skipped",
			trace: trace.Trace{
				trace.UserTurn{Text: "hi"},
				trace.AssistantTurn{Text: "hello"},
				trace.AssistantTurn{},
			},
			status: extractor.Answer,
			text:   "hello",
		},
		{
			name: "only_failures",
			trace: trace.Trace{
				trace.UserTurn{Text: "weather in Paris?"},
				trace.ToolCallTurn{Request: weather},
				trace.ToolResultTurn{Result: trace.Failed(weather, trace.ErrorKindTimeout, "deadline exceeded")},
			},
			status: extractor.Absent,
		},
		{
			name: "previous_cycle_ignored",
			trace: trace.Trace{
				trace.UserTurn{Text: "weather in Paris?"},
				trace.ToolResultTurn{Result: trace.Success(weather, trace.Payload{Text: []string{"sunny"}})},
				trace.AssistantTurn{Text: "It is sunny."},
				trace.UserTurn{Text: "thanks"},
			},
			status: extractor.Absent,
		},
		{
			name: "without_user_turn",
			trace: trace.Trace{
				trace.AssistantTurn{Text: "hello"},
			},
			status: extractor.Answer,
			text:   "hello",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			res := extractor.Extract(tc.trace)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.text, res.Text)
			assert.NoError(t, res.Err)

			// same trace, same result
			assert.Equal(t, res, extractor.Extract(tc.trace))
		})
	}
}

func TestExtract_Failed(t *testing.T) {
	tr := trace.Trace{
		trace.UserTurn{Text: "hi"},
		nil,
		trace.AssistantTurn{Text: "hello"},
	}
	res := extractor.Extract(tr)
	assert.Equal(t, extractor.Failed, res.Status)
	assert.Equal(t, trace.ErrorKindExtractionFailure, res.Kind)
	require.Error(t, res.Err)
	assert.Equal(t, "unexpected turn at 1: <nil>", res.Err.Error())
	assert.Equal(t, "[Error extracting message: unexpected turn at 1: <nil>]", res.Render("no answer"))
}

func TestResult_Render(t *testing.T) {
	assert.Equal(t, "hello", extractor.Result{Status: extractor.Answer, Text: "hello"}.Render("none"))
	assert.Equal(t, "none", extractor.Result{}.Render("none"))

	assert.Equal(t, "answer", extractor.Answer.String())
	assert.Equal(t, "absent", extractor.Absent.String())
	assert.Equal(t, "failed", extractor.Failed.String())
}
