package engine

import (
	"context"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/retry"
	"github.com/hupe1980/agentloop/tool"
	"go.opentelemetry.io/otel/trace"
)

type node string

const (
	nodeAgent node = "agent"
	nodeTools node = "tools"
	nodeEnd   node = "end"
)

// run binds one execution attempt: a resolved model, the merged tool
// registry and fresh state.
type run struct {
	*State

	id       string
	cfg      model.Config
	model    model.Model
	info     model.Info
	registry *tool.Registry
	hooks    Hooks
	system   string
	stream   bool
	schema   map[string]any

	retrier *retry.Retrier
	emitter *emitter
	logger  logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// execute walks the agent/tools graph until it reaches end or fails.
func (r *run) execute(ctx context.Context) error {
	next := nodeAgent

	for next != nodeEnd {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.logger.Debug("engine.graph.node", "node", string(next), "iteration", r.Iterations())

		switch next {
		case nodeAgent:
			msg, err := r.agentNode(ctx)
			if err != nil {
				return err
			}
			next = routeAgent(msg)
		case nodeTools:
			next = routeTools(r.toolsNode(ctx))
		}
	}

	return nil
}

func routeAgent(msg core.Message) node {
	if msg.HasToolCalls() {
		return nodeTools
	}
	return nodeEnd
}

func routeTools(stop bool) node {
	if stop {
		return nodeEnd
	}
	return nodeAgent
}

// agentNode performs one model turn through the retrier and appends the
// resulting AI message to the history.
func (r *run) agentNode(ctx context.Context) (core.Message, error) {
	if err := r.limiter.Increment(); err != nil {
		return core.Message{}, err
	}

	iteration := r.Iterations()
	r.emitter.llmStart(ctx, iteration)

	req := model.Request{
		System:   r.system,
		Messages: core.CloneMessages(r.Messages),
		JSONMode: r.cfg.JSONMode,
	}

	var resp model.Response

	err := r.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		spanCtx, span := startLLMSpan(ctx, r.tracer, r.info.Provider, r.info.Name, iteration, attempt)

		start := time.Now()

		var err error
		if r.stream {
			resp, err = model.Stream(spanCtx, r.model, req, func(chunk model.Response) {
				r.emitter.think(ctx, iteration, chunk.Thinking)
				r.emitter.think(ctx, iteration, chunk.Message.Text())
			})
		} else {
			resp, err = model.Invoke(spanCtx, r.model, req)
		}

		dur := time.Since(start)
		endSpan(span, err)
		r.metrics.RecordLLMRequest(r.info.Provider, r.info.Name, dur, err)

		tokens := 0
		if err == nil && resp.Usage != nil {
			tokens = resp.Usage.TotalTokens
		}
		logging.LogLLMCall(r.logger, r.info.Name, tokens, dur, err)

		return err
	}, func(attempt int, delay time.Duration, err error) {
		r.metrics.RecordRetry(r.info.Provider, r.info.Name)
		r.logger.Warn("engine.llm.retry", "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err.Error())
		r.emitter.failure(ctx, iteration, err, true, attempt)
	})
	if err != nil {
		return core.Message{}, err
	}

	if !r.stream {
		r.emitter.think(ctx, iteration, resp.Thinking)
	}

	msg := resp.Message
	r.Messages = append(r.Messages, msg)

	if msg.Usage != nil {
		r.metrics.RecordTokens(r.info.Provider, r.info.Name, msg.Usage.InputTokens, msg.Usage.OutputTokens)
	}

	r.emitter.llmComplete(ctx, iteration, msg)

	return msg, nil
}
