package engine

import (
	"context"

	"github.com/hupe1980/agentloop/core"
)

// BeforeToolCallContext is handed to the before-hook of each resolved tool call.
type BeforeToolCallContext struct {
	RunID      string
	Iteration  int
	ToolCallID string
	ToolName   string
	ToolInput  map[string]any
	// Messages is a copy of the history including the AI message that
	// requested the call.
	Messages []core.Message
}

// BeforeToolCallResult rewrites the pending call. Nil fields keep the
// current value.
type BeforeToolCallResult struct {
	// Messages replaces the run history.
	Messages []core.Message
	// ToolInput replaces the arguments of this call only.
	ToolInput map[string]any
}

// AfterToolCallContext is handed to the after-hook of each resolved tool call.
type AfterToolCallContext struct {
	RunID      string
	Iteration  int
	ToolCallID string
	ToolName   string
	ToolInput  map[string]any
	ToolOutput string
	// ToolError is the failure of the call, if any. The error is already
	// reflected in ToolOutput.
	ToolError error
	// Messages is a copy of the history including the tool result.
	Messages []core.Message
}

// AfterToolCallResult may replace the history and request that the run ends
// once the current tool batch completes.
type AfterToolCallResult struct {
	Messages   []core.Message
	ShouldStop bool
}

// BeforeToolCallHook intercepts a tool call before it runs.
type BeforeToolCallHook func(ctx context.Context, hc BeforeToolCallContext) (*BeforeToolCallResult, error)

// AfterToolCallHook observes a tool call after its result was recorded.
type AfterToolCallHook func(ctx context.Context, hc AfterToolCallContext) (*AfterToolCallResult, error)

// Hooks bundles the optional tool interception points of a run. Nil hooks
// are no-ops. Hook errors and panics are contained: they are logged and
// reported as recoverable error events, and the call proceeds without the
// rewrite.
type Hooks struct {
	BeforeToolCall BeforeToolCallHook
	AfterToolCall  AfterToolCallHook
}
