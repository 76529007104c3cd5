package engine

import (
	"context"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// execute runs in under its primary model and, when that fails and a
// fallback is configured, once more under the derived fallback config. The
// fallback result is returned as is.
func (e *Engine) execute(ctx context.Context, id string, in Input) *Result {
	primary := in.Model

	if primary.Fallback != nil && primary.Fallback.Fallback != nil {
		err := core.NewConfigurationError(string(primary.Provider), "fallback model must not declare its own fallback")
		e.logger.Error("engine.config.invalid", "error", err.Error())

		res := failedResult(err)
		res.RunID = id
		res.Model = primary.String()
		e.metrics.RecordRun(false)

		return res
	}

	hasFallback := primary.Fallback != nil

	res := e.runOnce(ctx, id, in, primary, false, hasFallback)
	if res.Success || !hasFallback || ctx.Err() != nil {
		e.metrics.RecordRun(res.Success)
		return res
	}

	backup := model.DeriveFallback(primary)

	e.logger.Warn("engine.fallback",
		"from", primary.String(),
		"to", backup.String(),
		"error", res.Error,
	)
	e.metrics.RecordFallback(primary.String(), backup.String())

	fb := e.runOnce(ctx, core.NewID(), in, backup, true, false)
	fb.FallbackUsed = true

	e.metrics.RecordRun(fb.Success)

	return fb
}
