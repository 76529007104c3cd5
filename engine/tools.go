package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/tool"
)

// toolsNode executes the tool calls of the latest AI message sequentially in
// call order and reports whether an after-hook requested the run to stop.
// Every call receives exactly one tool result message; the remaining calls
// of a batch still run after a stop request.
func (r *run) toolsNode(ctx context.Context) bool {
	last, ok := r.lastAI()
	if !ok {
		return false
	}

	iteration := r.limiter.Count()
	batchStart := time.Now()
	stop := false

	for _, call := range last.ToolCalls {
		if r.runTool(ctx, iteration, call) {
			stop = true
		}
	}

	r.logger.Debug(
		"engine.tools.batch.complete",
		"count", len(last.ToolCalls),
		"stop", stop,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return stop
}

func (r *run) runTool(ctx context.Context, iteration int, call core.ToolCall) bool {
	impl, ok := r.registry.Get(call.Name)
	if !ok {
		r.logger.Warn("engine.tool.not_found", "tool", call.Name, "tool_call_id", call.ID)
		r.Messages = append(r.Messages, core.NewToolMessage(call.ID, call.Name, fmt.Sprintf("Error: Tool %s not found", call.Name)))
		return false
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	if r.hooks.BeforeToolCall != nil {
		res, err := r.callBeforeHook(ctx, BeforeToolCallContext{
			RunID:      r.id,
			Iteration:  iteration,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolInput:  args,
			Messages:   core.CloneMessages(r.Messages),
		})
		if err != nil {
			r.hookFailed(ctx, iteration, "before", call, err)
		} else if res != nil {
			if res.Messages != nil {
				r.Messages = core.CloneMessages(res.Messages)
			}
			if res.ToolInput != nil {
				args = res.ToolInput
			}
		}
	}

	r.emitter.toolStart(ctx, iteration, call, args)

	spanCtx, span := startToolSpan(ctx, r.tracer, call.Name, call.ID)
	toolCtx := core.NewToolContext(spanCtx, r.id, call.ID, call.Name, iteration, r.logger)

	start := time.Now()
	output, toolErr := r.invokeTool(impl, toolCtx, args)
	dur := time.Since(start)

	endSpan(span, toolErr)
	logging.LogToolCall(r.logger, call.Name, call.ID, dur, toolErr)
	r.metrics.RecordToolExecution(call.Name, dur, toolErr)

	content := output
	if toolErr != nil {
		content = "Error: " + toolErrorMessage(toolErr)
	}
	r.Messages = append(r.Messages, core.NewToolMessage(call.ID, call.Name, content))

	stop := false
	if r.hooks.AfterToolCall != nil {
		res, err := r.callAfterHook(ctx, AfterToolCallContext{
			RunID:      r.id,
			Iteration:  iteration,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolInput:  args,
			ToolOutput: content,
			ToolError:  toolErr,
			Messages:   core.CloneMessages(r.Messages),
		})
		if err != nil {
			r.hookFailed(ctx, iteration, "after", call, err)
		} else if res != nil {
			if res.Messages != nil {
				r.Messages = core.CloneMessages(res.Messages)
			}
			stop = res.ShouldStop
		}
	}

	r.emitter.toolComplete(ctx, iteration, call, content, dur, toolErr)

	return stop
}

// invokeTool runs the tool and stringifies its output. Errors and panics are
// returned as *core.ToolExecutionError.
func (r *run) invokeTool(impl tool.Tool, toolCtx *core.ToolContext, args map[string]any) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("engine.tool.panic", "tool", impl.Name(), "tool_call_id", toolCtx.ToolCallID(), "recover", fmt.Sprint(rec))
			output = ""
			err = &core.ToolExecutionError{Tool: impl.Name(), Cause: panicError(rec)}
		}
	}()

	result, callErr := impl.Call(toolCtx, args)
	if callErr != nil {
		return "", &core.ToolExecutionError{Tool: impl.Name(), Cause: callErr}
	}

	return stringify(result), nil
}

func (r *run) callBeforeHook(ctx context.Context, hc BeforeToolCallContext) (res *BeforeToolCallResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, panicError(rec)
		}
	}()
	return r.hooks.BeforeToolCall(ctx, hc)
}

func (r *run) callAfterHook(ctx context.Context, hc AfterToolCallContext) (res *AfterToolCallResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, panicError(rec)
		}
	}()
	return r.hooks.AfterToolCall(ctx, hc)
}

func (r *run) hookFailed(ctx context.Context, iteration int, stage string, call core.ToolCall, err error) {
	r.logger.Warn("engine.hook.failed", "stage", stage, "tool", call.Name, "tool_call_id", call.ID, "error", err.Error())
	r.emitter.failure(ctx, iteration, fmt.Errorf("%s tool hook for %s: %w", stage, call.Name, err), true, 0)
}

// toolErrorMessage extracts the human readable part of a tool failure.
func toolErrorMessage(err error) string {
	var toolErr *tool.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Message
	}
	var execErr *core.ToolExecutionError
	if errors.As(err, &execErr) && execErr.Cause != nil {
		return execErr.Cause.Error()
	}
	return err.Error()
}

// stringify renders a tool output for the tool result message. Strings are
// used verbatim, everything else is JSON encoded.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case json.RawMessage:
		return string(val)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// panicError converts a recovered panic value to an error.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }
