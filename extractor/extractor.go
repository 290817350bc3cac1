// Package extractor selects the final answer of a reasoning cycle from its trace.
package extractor

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "extractor")

// Status of the extraction
type Status int

// Statuses
const (
	// Absent means the trace holds no answer
	Absent Status = iota
	// Answer means Text holds the final answer
	Answer
	// Failed means the extraction failed, see Err
	Failed
)

func (s Status) String() string {
	switch s {
	case Answer:
		return "answer"
	case Failed:
		return "failed"
	default:
		return "absent"
	}
}

// Result of the extraction
type Result struct {
	Status Status
	Text   string
	// Kind is set for Failed results
	Kind trace.ErrorKind
	Err  error
}

// Render returns the text to show to the user:
// the answer, a diagnostic for a failed extraction, or fallback.
func (r Result) Render(fallback string) string {
	switch r.Status {
	case Answer:
		return r.Text
	case Failed:
		return fmt.Sprintf("[Error extracting message: %v]", r.Err)
	default:
		return fallback
	}
}

// Extract returns the final answer of the latest cycle in t.
// Turns are scanned from the newest back to the newest UserTurn.
// The newest successful tool result wins; otherwise the newest non-empty
// assistant text; otherwise the result is Absent.
func Extract(t trace.Trace) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("%v", r)
			logger.KV(xlog.ERROR,
				"status", "extraction_failed",
				"turns", len(t),
				"err", err.Error(),
			)
			res = Result{
				Status: Failed,
				Kind:   trace.ErrorKindExtractionFailure,
				Err:    err,
			}
		}
	}()

	cycle := t[cycleStart(t):]

	for i := len(cycle) - 1; i >= 0; i-- {
		if r, ok := cycle[i].(trace.ToolResultTurn); ok && r.Result.IsSuccess() {
			return Result{Status: Answer, Text: r.Result.Payload.String()}
		}
	}
	for i := len(cycle) - 1; i >= 0; i-- {
		if a, ok := cycle[i].(trace.AssistantTurn); ok && a.Text != "" {
			return Result{Status: Answer, Text: a.Text}
		}
	}
	return Result{Status: Absent}
}

// cycleStart returns the index of the newest UserTurn, or 0
func cycleStart(t trace.Trace) int {
	for i := len(t) - 1; i >= 0; i-- {
		switch t[i].(type) {
		case trace.UserTurn:
			return i
		case trace.AssistantTurn, trace.ToolCallTurn, trace.ToolResultTurn:
		default:
			panic(fmt.Sprintf("unexpected turn at %d: %T", i, t[i]))
		}
	}
	return 0
}
