// Package agent runs the bounded reason-act loop of one user request.
//
// Each iteration asks the Backend for the next Step. A step without tool calls
// ends the cycle with an AssistantTurn. A step with tool calls records one
// ToolCallTurn per call, dispatches all calls concurrently and records their
// ToolResultTurns in request order before the next iteration.
//
// When the context is cancelled, in-flight calls are aborted and no result is
// recorded for them; the returned trace ends at the last completed turn.
package agent
