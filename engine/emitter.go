package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
)

// emitter delivers the ordered event stream of one run. Delivery is awaited
// so ordering is preserved, but a failing (or panicking) sink never affects
// the run: the failure is logged and the event dropped.
type emitter struct {
	sink   core.EventSink
	logger logging.Logger
	runID  string
	model  string
}

func newEmitter(sink core.EventSink, logger logging.Logger, runID, modelName string) *emitter {
	return &emitter{sink: sink, logger: logger, runID: runID, model: modelName}
}

func (e *emitter) emit(ctx context.Context, ev core.StreamEvent) {
	if e.sink == nil {
		return
	}

	ev.RunID = e.runID
	if ev.Model == "" {
		ev.Model = e.model
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine.emit.panic", "kind", string(ev.Kind), "recover", fmt.Sprint(r))
		}
	}()

	if err := e.sink.Emit(ctx, ev); err != nil {
		e.logger.Warn("engine.emit.failed", "kind", string(ev.Kind), "error", err.Error())
	}
}

func (e *emitter) llmStart(ctx context.Context, iteration int) {
	e.emit(ctx, core.NewStreamEvent(core.EventLLMStart, e.runID, iteration))
}

func (e *emitter) think(ctx context.Context, iteration int, content string) {
	if content == "" {
		return
	}
	ev := core.NewStreamEvent(core.EventThink, e.runID, iteration)
	ev.Content = content
	e.emit(ctx, ev)
}

func (e *emitter) llmComplete(ctx context.Context, iteration int, msg core.Message) {
	ev := core.NewStreamEvent(core.EventLLMComplete, e.runID, iteration)
	ev.Content = msg.Text()
	ev.ToolCalls = len(msg.ToolCalls)
	ev.Usage = msg.Usage
	e.emit(ctx, ev)
}

func (e *emitter) toolStart(ctx context.Context, iteration int, call core.ToolCall, args map[string]any) {
	ev := core.NewStreamEvent(core.EventToolStart, e.runID, iteration)
	ev.ToolCallID = call.ID
	ev.ToolName = call.Name
	ev.Input = args
	e.emit(ctx, ev)
}

func (e *emitter) toolComplete(ctx context.Context, iteration int, call core.ToolCall, output string, d time.Duration, toolErr error) {
	ev := core.NewStreamEvent(core.EventToolComplete, e.runID, iteration)
	ev.ToolCallID = call.ID
	ev.ToolName = call.Name
	ev.Output = output
	ev.Duration = d
	if toolErr != nil {
		ev.Error = toolErr.Error()
	}
	e.emit(ctx, ev)
}

func (e *emitter) failure(ctx context.Context, iteration int, err error, recoverable bool, attempt int) {
	ev := core.NewStreamEvent(core.EventError, e.runID, iteration)
	ev.Error = err.Error()
	ev.Recoverable = recoverable
	ev.Attempt = attempt
	e.emit(ctx, ev)
}
