package trace

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// TurnKind is the tag of a Turn
type TurnKind string

// Turn kinds
const (
	KindUser       TurnKind = "user"
	KindAssistant  TurnKind = "assistant"
	KindToolCall   TurnKind = "tool_call"
	KindToolResult TurnKind = "tool_result"
)

// Turn is one entry of a Trace.
// It is implemented only by UserTurn, AssistantTurn, ToolCallTurn and ToolResultTurn.
type Turn interface {
	Kind() TurnKind
	isTurn()
}

// UserTurn is the user input
type UserTurn struct {
	Text string `json:"text"`
}

// AssistantTurn is free-text produced by the reasoning backend, possibly empty
type AssistantTurn struct {
	Text string `json:"text,omitempty"`
}

// ToolCallTurn records a tool call issued by the reasoning backend
type ToolCallTurn struct {
	Request ToolCallRequest `json:"request"`
}

// ToolResultTurn records the result of a tool call
type ToolResultTurn struct {
	Result ToolCallResult `json:"result"`
}

func (UserTurn) Kind() TurnKind       { return KindUser }
func (AssistantTurn) Kind() TurnKind  { return KindAssistant }
func (ToolCallTurn) Kind() TurnKind   { return KindToolCall }
func (ToolResultTurn) Kind() TurnKind { return KindToolResult }

func (UserTurn) isTurn()       {}
func (AssistantTurn) isTurn()  {}
func (ToolCallTurn) isTurn()   {}
func (ToolResultTurn) isTurn() {}

// Trace is an ordered, append-only sequence of turns
type Trace []Turn

// Clone returns a copy that can be appended without affecting t
func (t Trace) Clone() Trace {
	if t == nil {
		return nil
	}
	res := make(Trace, len(t))
	copy(res, t)
	return res
}

// Append returns the trace with turns appended
func (t Trace) Append(turns ...Turn) Trace {
	return append(t, turns...)
}

// Results returns the ToolResultTurns indexed by call ID
func (t Trace) Results() map[string]ToolCallResult {
	res := map[string]ToolCallResult{}
	for _, turn := range t {
		if r, ok := turn.(ToolResultTurn); ok {
			res[r.Result.CallID] = r.Result
		}
	}
	return res
}

type turnRecord struct {
	Kind TurnKind        `json:"kind"`
	Turn json.RawMessage `json:"turn"`
}

// MarshalTurn serializes a turn with its kind
func MarshalTurn(turn Turn) ([]byte, error) {
	js, err := json.Marshal(turn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s turn", turn.Kind())
	}
	return json.Marshal(turnRecord{Kind: turn.Kind(), Turn: js})
}

// UnmarshalTurn deserializes a turn produced by MarshalTurn
func UnmarshalTurn(data []byte) (Turn, error) {
	var rec turnRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "invalid turn record")
	}

	var (
		turn Turn
		err  error
	)
	switch rec.Kind {
	case KindUser:
		var v UserTurn
		err = json.Unmarshal(rec.Turn, &v)
		turn = v
	case KindAssistant:
		var v AssistantTurn
		err = json.Unmarshal(rec.Turn, &v)
		turn = v
	case KindToolCall:
		var v ToolCallTurn
		err = json.Unmarshal(rec.Turn, &v)
		turn = v
	case KindToolResult:
		var v ToolResultTurn
		err = json.Unmarshal(rec.Turn, &v)
		turn = v
	default:
		return nil, errors.Errorf("unknown turn kind: %q", rec.Kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s turn", rec.Kind)
	}
	return turn, nil
}

// MarshalJSON serializes the trace as a list of turn records
func (t Trace) MarshalJSON() ([]byte, error) {
	list := make([]json.RawMessage, 0, len(t))
	for _, turn := range t {
		js, err := MarshalTurn(turn)
		if err != nil {
			return nil, err
		}
		list = append(list, js)
	}
	return json.Marshal(list)
}

// UnmarshalJSON deserializes a list of turn records
func (t *Trace) UnmarshalJSON(data []byte) error {
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "invalid trace")
	}
	res := make(Trace, 0, len(list))
	for _, js := range list {
		turn, err := UnmarshalTurn(js)
		if err != nil {
			return err
		}
		res = append(res, turn)
	}
	*t = res
	return nil
}
