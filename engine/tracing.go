package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hupe1980/agentloop/engine"

// Span names.
const (
	spanRun  = "agentloop.run"
	spanLLM  = "agentloop.llm"
	spanTool = "agentloop.tool"
)

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startRunSpan(ctx context.Context, tracer trace.Tracer, runID, modelName string, fallback bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, spanRun,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agentloop.run_id", runID),
			attribute.String("llm.model", modelName),
			attribute.Bool("agentloop.fallback", fallback),
		),
	)
}

func startLLMSpan(ctx context.Context, tracer trace.Tracer, provider, modelName string, iteration, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, spanLLM,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", modelName),
			attribute.Int("agentloop.iteration", iteration),
			attribute.Int("agentloop.attempt", attempt),
		),
	)
}

func startToolSpan(ctx context.Context, tracer trace.Tracer, toolName, callID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, spanTool,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.call_id", callID),
		),
	)
}

// endSpan records err (if any) and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
