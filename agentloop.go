// Package agentloop provides a high-level façade over the execution engine.
// Most applications interact with this package by:
//  1. Creating an AgentLoop via New() with shared tools, credentials and a logger
//  2. Running prompts synchronously (Run), asynchronously (RunAsync), or
//     synchronously while collecting the event stream (RunCollect)
//
// A one-off execution does not need an instance; the package level Run builds
// a throwaway AgentLoop for a single call.
package agentloop

import (
	"context"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model/provider"
	"github.com/hupe1980/agentloop/retry"
	"github.com/hupe1980/agentloop/tool"
)

// Input and Result are the engine's execution types.
type (
	Input  = engine.Input
	Result = engine.Result
)

// Options configures the AgentLoop instance.
type Options struct {
	// Tools are available to every run.
	Tools []tool.Tool

	// Factory resolves models. Defaults to provider.New.
	Factory provider.Factory

	// Credentials are used for providers the Input does not carry a
	// credential for.
	Credentials provider.Credentials

	// Retry is the model invocation policy. Defaults to retry.DefaultPolicy.
	Retry retry.Policy

	// MaxIterations bounds the agent turns of a run (defaults to
	// engine.DefaultMaxIterations).
	MaxIterations int

	// Sink receives the events of every run.
	Sink core.EventSink

	// Metrics is optional Prometheus instrumentation.
	Metrics *engine.Metrics

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// AllowLocalImages enables file:// image references.
	AllowLocalImages bool
}

// AgentLoop is the high-level façade around engine.Engine.
type AgentLoop struct {
	opts   Options
	engine *engine.Engine
}

// New creates a new AgentLoop instance with optional overrides.
func New(optFns ...func(o *Options)) *AgentLoop {
	opts := Options{
		Retry:         retry.DefaultPolicy(),
		MaxIterations: engine.DefaultMaxIterations,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := engine.New(func(o *engine.Options) {
		o.Factory = opts.Factory
		o.Tools = opts.Tools
		o.Retry = opts.Retry
		o.MaxIterations = opts.MaxIterations
		o.Sink = opts.Sink
		o.Metrics = opts.Metrics
		o.Logger = opts.Logger
		o.AllowLocalImages = opts.AllowLocalImages
	})

	return &AgentLoop{opts: opts, engine: e}
}

// Run executes in synchronously.
func (a *AgentLoop) Run(ctx context.Context, in Input) *Result {
	return a.engine.Execute(ctx, a.withCredentials(in))
}

// RunAsync starts an execution returning the run id, the event channel and
// the result channel.
func (a *AgentLoop) RunAsync(ctx context.Context, in Input) (string, <-chan core.StreamEvent, <-chan *Result) {
	return a.engine.ExecuteAsync(ctx, a.withCredentials(in))
}

// RunCollect is a synchronous helper that drains the async channels and
// returns the result together with every event of the execution.
func (a *AgentLoop) RunCollect(ctx context.Context, in Input) (*Result, []core.StreamEvent) {
	_, eventsCh, resultCh := a.RunAsync(ctx, in)

	var events []core.StreamEvent
	for ev := range eventsCh {
		events = append(events, ev)
	}

	return <-resultCh, events
}

// Stop cancels an execution started by RunAsync.
func (a *AgentLoop) Stop(id string) error { return a.engine.Stop(id) }

func (a *AgentLoop) withCredentials(in Input) Input {
	if len(a.opts.Credentials) == 0 {
		return in
	}

	merged := make(provider.Credentials, len(a.opts.Credentials)+len(in.Credentials))
	for k, v := range a.opts.Credentials {
		merged[k] = v
	}
	for k, v := range in.Credentials {
		merged[k] = v
	}
	in.Credentials = merged

	return in
}

// Run executes in once with a throwaway AgentLoop.
func Run(ctx context.Context, in Input, optFns ...func(o *Options)) *Result {
	return New(optFns...).Run(ctx, in)
}
