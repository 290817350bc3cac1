package openai

import (
	"encoding/json"

	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/xlog"
	sdk "github.com/openai/openai-go/v3"
)

// Messages converts the trace to chat messages.
// Tool calls of one step are sent as one assistant message, followed by a
// tool message per result. Calls without a result, and results without a
// call, are not sent.
func Messages(systemPrompt string, t trace.Trace) []sdk.ChatCompletionMessageParamUnion {
	results := t.Results()

	var msgs []sdk.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		msgs = append(msgs, sdk.SystemMessage(systemPrompt))
	}

	var (
		pending *sdk.ChatCompletionAssistantMessageParam
		callIDs []string
	)
	flush := func() {
		if pending == nil {
			return
		}
		if len(pending.ToolCalls) > 0 || pending.Content.OfString.Valid() {
			msgs = append(msgs, sdk.ChatCompletionMessageParamUnion{OfAssistant: pending})
		}
		for _, id := range callIDs {
			msgs = append(msgs, sdk.ToolMessage(results[id].Text(), id))
		}
		pending = nil
		callIDs = nil
	}

	for _, turn := range t {
		switch v := turn.(type) {
		case trace.UserTurn:
			flush()
			msgs = append(msgs, sdk.UserMessage(v.Text))
		case trace.AssistantTurn:
			flush()
			pending = &sdk.ChatCompletionAssistantMessageParam{}
			if v.Text != "" {
				pending.Content.OfString = sdk.String(v.Text)
			}
		case trace.ToolCallTurn:
			if _, ok := results[v.Request.ID]; !ok {
				continue
			}
			if pending == nil {
				pending = &sdk.ChatCompletionAssistantMessageParam{}
			}
			pending.ToolCalls = append(pending.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: v.Request.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      v.Request.ToolName,
						Arguments: arguments(v.Request.Arguments),
					},
				},
			})
			callIDs = append(callIDs, v.Request.ID)
		}
	}
	flush()
	return msgs
}

func arguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	js, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(js)
}

// Tools converts the descriptors to function tools
func Tools(descriptors []trace.ToolDescriptor) []sdk.ChatCompletionToolUnionParam {
	tools := make([]sdk.ChatCompletionToolUnionParam, 0, len(descriptors))
	for _, d := range descriptors {
		fn := sdk.FunctionDefinitionParam{
			Name:       d.Name,
			Parameters: parameters(d),
		}
		if d.Description != "" {
			fn.Description = sdk.String(d.Description)
		}
		tools = append(tools, sdk.ChatCompletionFunctionTool(fn))
	}
	return tools
}

func parameters(d trace.ToolDescriptor) sdk.FunctionParameters {
	params := sdk.FunctionParameters{}
	if len(d.InputSchema) > 0 {
		if err := json.Unmarshal(d.InputSchema, &params); err != nil {
			logger.KV(xlog.WARNING,
				"status", "invalid_schema",
				"tool", d.Name,
				"err", err.Error(),
			)
			params = sdk.FunctionParameters{}
		}
	}
	// a null schema decodes to a nil map
	if params == nil {
		params = sdk.FunctionParameters{}
	}
	if len(params) == 0 {
		params["type"] = "object"
		params["properties"] = map[string]any{}
	}
	return params
}
