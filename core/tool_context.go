package core

import (
	"context"

	"github.com/hupe1980/agentloop/logging"
)

// ToolContext is the constrained surface handed to tool implementations for a
// single call. It exposes the run correlation identifiers, a logger scoped to
// the call and the caller's context for cancellation.
type ToolContext struct {
	ctx        context.Context
	runID      string
	toolCallID string
	toolName   string
	iteration  int
	logger     logging.Logger
}

// NewToolContext constructs a tool context for one tool call.
func NewToolContext(ctx context.Context, runID, toolCallID, toolName string, iteration int, logger logging.Logger) *ToolContext {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &ToolContext{
		ctx:        ctx,
		runID:      runID,
		toolCallID: toolCallID,
		toolName:   toolName,
		iteration:  iteration,
		logger:     logger,
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// RunID returns the run ID associated with the tool invocation.
func (tc *ToolContext) RunID() string { return tc.runID }

// ToolCallID returns the id of the model tool call being served.
func (tc *ToolContext) ToolCallID() string { return tc.toolCallID }

// ToolName returns the resolved tool name.
func (tc *ToolContext) ToolName() string { return tc.toolName }

// Iteration returns the agent turn that requested the call.
func (tc *ToolContext) Iteration() int { return tc.iteration }

// Logger returns the call scoped logger. It is never nil.
func (tc *ToolContext) Logger() logging.Logger { return tc.logger }
