package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/provider"
	"github.com/hupe1980/agentloop/retry"
	"github.com/hupe1980/agentloop/tool"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxIterations bounds the agent turns of a run when neither the
// engine nor the input set a limit.
const DefaultMaxIterations = 10

// DefaultEventBufferSize is the channel buffer used by ExecuteAsync.
const DefaultEventBufferSize = 100

// Options configures an Engine using the functional options pattern.
//
// Every field has a usable default, so New() returns an engine that resolves
// models through provider.New, retries with retry.DefaultPolicy, logs
// nothing and records no metrics.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Logger = logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	    o.Tools = []tool.Tool{calculator}
//	    o.Metrics = engine.NewMetrics(prometheus.DefaultRegisterer)
//	})
type Options struct {
	// Logger receives structured engine logs. Defaults to logging.NoOpLogger.
	Logger logging.Logger

	// Factory resolves a model.Config and credentials into a model.
	// Defaults to provider.New.
	Factory provider.Factory

	// Tools are available to every run. Input.Tools override them by name.
	Tools []tool.Tool

	// Retry is the model invocation policy. Model.MaxRetries overrides
	// MaxAttempts per run.
	Retry retry.Policy
	// Sleep waits between attempts. Defaults to retry.SleepWithContext.
	Sleep retry.Sleeper
	// Rand supplies jitter values in [0,1). Defaults to math/rand.
	Rand func() float64

	// MaxIterations bounds the agent turns per run. Defaults to
	// DefaultMaxIterations.
	MaxIterations int

	// Sink receives the events of every run.
	Sink core.EventSink

	// EventBufferSize is the event channel buffer for ExecuteAsync.
	EventBufferSize int

	// Metrics records Prometheus series. Nil disables metrics.
	Metrics *Metrics
	// Tracer creates run, model and tool spans. Defaults to the global
	// OpenTelemetry tracer provider.
	Tracer trace.Tracer

	// AllowLocalImages lets image parts reference local files via file://
	// URLs. Leave it off unless every Input comes from a trusted caller.
	AllowLocalImages bool
}

// Engine executes tool-augmented agent runs.
//
// A run alternates between an agent turn (one model invocation through the
// retry policy) and a tool batch (every requested tool call, sequentially,
// bracketed by the before and after hooks) until the model stops asking for
// tools, an after-hook requests a stop, or the iteration bound is hit. When
// the run fails and the model configuration names a fallback, the whole run
// is repeated once with the derived fallback configuration.
//
// The Engine holds only read-only collaborators and is safe for concurrent
// use. Each Execute call owns its own state.
type Engine struct {
	logger          logging.Logger
	factory         provider.Factory
	tools           *tool.Registry
	policy          retry.Policy
	sleep           retry.Sleeper
	rand            func() float64
	maxIterations   int
	sink            core.EventSink
	eventBufferSize int
	metrics         *Metrics
	tracer          trace.Tracer
	localImages     bool

	// active tracks cancel functions of executions started by ExecuteAsync.
	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// New creates an Engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger:          logging.NoOpLogger{},
		Factory:         provider.New,
		Retry:           retry.DefaultPolicy(),
		MaxIterations:   DefaultMaxIterations,
		EventBufferSize: DefaultEventBufferSize,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Factory == nil {
		opts.Factory = provider.New
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = DefaultEventBufferSize
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer()
	}

	return &Engine{
		logger:          opts.Logger,
		factory:         opts.Factory,
		tools:           tool.NewRegistry(opts.Tools...),
		policy:          opts.Retry,
		sleep:           opts.Sleep,
		rand:            opts.Rand,
		maxIterations:   opts.MaxIterations,
		sink:            opts.Sink,
		eventBufferSize: opts.EventBufferSize,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		localImages:     opts.AllowLocalImages,
		active:          make(map[string]context.CancelFunc),
	}
}

// Execute runs in to completion and returns its result. Failures of any
// kind are reported through Result.Success and Result.Error.
func (e *Engine) Execute(ctx context.Context, in Input) *Result {
	return e.execute(ctx, core.NewID(), in)
}

// ExecuteAsync starts a run in its own goroutine. Events are delivered on the
// returned channel (in addition to the configured sinks) and the result is
// sent once on the result channel. Both channels are closed afterwards.
// The returned id can be passed to Stop.
//
// The event channel holds EventBufferSize events and never blocks the run:
// events that arrive while it is full are dropped and logged. Callers that
// need every event drain the channel concurrently, as RunCollect does.
func (e *Engine) ExecuteAsync(ctx context.Context, in Input) (string, <-chan core.StreamEvent, <-chan *Result) {
	id := core.NewID()

	eventsCh := make(chan core.StreamEvent, e.eventBufferSize)
	resultCh := make(chan *Result, 1)

	runCtx, cancel := context.WithCancel(ctx)

	e.activeMu.Lock()
	e.active[id] = cancel
	e.activeMu.Unlock()

	callerSink := in.Sink
	in.Sink = core.MultiSink{callerSink, core.BufferedChannelSink(eventsCh)}

	go func() {
		defer func() {
			cancel()
			e.activeMu.Lock()
			delete(e.active, id)
			e.activeMu.Unlock()
			close(eventsCh)
			close(resultCh)
		}()

		resultCh <- e.execute(runCtx, id, in)
	}()

	return id, eventsCh, resultCh
}

// Stop cancels an execution started by ExecuteAsync. The run ends with a
// failed result at its next step boundary.
func (e *Engine) Stop(id string) error {
	e.activeMu.Lock()
	cancel, ok := e.active[id]
	e.activeMu.Unlock()

	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}

	cancel()

	return nil
}

// prepare resolves the model and builds a fresh run for cfg.
func (e *Engine) prepare(ctx context.Context, runID string, in Input, cfg model.Config, logger logging.Logger, em *emitter) (*run, error) {
	self := cfg
	self.Fallback = nil
	if err := self.Validate(); err != nil {
		return nil, err
	}

	m, err := e.factory(ctx, cfg, in.Credentials)
	if err != nil {
		return nil, err
	}

	registry := e.tools.Merge(in.Tools...)

	m, err = model.BindTools(m, registry.Definitions())
	if err != nil {
		return nil, err
	}

	info := m.Info()

	system, err := util.RenderTemplate(in.SystemPrompt, in.Vars)
	if err != nil {
		return nil, core.NewConfigurationError(string(cfg.Provider), "system prompt: %v", err)
	}

	history := core.CloneMessages(in.History)
	if in.Message != "" || len(in.Images) > 0 {
		history = append(history, core.NewHumanMessage(in.Message, in.Images...))
	}
	if len(history) == 0 {
		return nil, core.NewConfigurationError(string(cfg.Provider), "no input message")
	}

	stream := in.Stream
	if stream && !info.SupportsStreaming {
		logger.Debug("engine.stream.unsupported", "model", info.Name)
		stream = false
	}

	maxIterations := e.maxIterations
	if in.MaxIterations > 0 {
		maxIterations = in.MaxIterations
	}

	policy := e.policy
	if cfg.MaxRetries > 0 {
		policy = policy.WithMaxAttempts(cfg.MaxRetries)
	}

	retrier := retry.New(func(o *retry.Options) {
		o.Policy = policy
		if e.sleep != nil {
			o.Sleep = e.sleep
		}
		if e.rand != nil {
			o.Rand = e.rand
		}
	})

	return &run{
		State:    newState(history, maxIterations),
		id:       runID,
		cfg:      cfg,
		model:    m,
		info:     info,
		registry: registry,
		hooks:    in.Hooks,
		system:   system,
		stream:   stream,
		schema:   in.ResponseSchema,
		retrier:  retrier,
		emitter:  em,
		logger:   logger,
		metrics:  e.metrics,
		tracer:   e.tracer,
	}, nil
}

// runOnce performs one complete execution attempt under cfg.
func (e *Engine) runOnce(ctx context.Context, runID string, in Input, cfg model.Config, fallback, canFallback bool) *Result {
	start := time.Now()
	modelName := cfg.String()

	logger := e.runLogger(runID, modelName)
	em := newEmitter(core.MultiSink{e.sink, in.Sink}, logger, runID, modelName)

	if e.localImages {
		ctx = model.WithLocalImages(ctx)
	}

	ctx, span := startRunSpan(ctx, e.tracer, runID, modelName, fallback)

	logger.Info("engine.run.start", "fallback", fallback, "input_tools", len(in.Tools))

	var res *Result

	r, err := e.prepare(ctx, runID, in, cfg, logger, em)
	if err != nil {
		res = failedResult(err)
	} else {
		res = r.result(r.execute(ctx))
	}

	res.RunID = runID
	res.Model = modelName

	if !res.Success {
		em.failure(ctx, res.Iterations, res.Err, canFallback, 0)
	}

	endSpan(span, res.Err)
	logging.LogRun(logger, modelName, res.Iterations, time.Since(start), res.Success, res.Error)

	return res
}

func (e *Engine) runLogger(runID, modelName string) logging.Logger {
	if rl, ok := e.logger.(*logging.RunLogger); ok {
		return rl.WithRun(runID, modelName).WithComponent("engine")
	}
	return e.logger
}

// result accounts the final history. err is the graph failure, if any.
func (r *run) result(err error) *Result {
	acct := account(r.Messages, r.registry, r.cfg.JSONMode, r.schema)

	res := &Result{
		ToolCalls:  acct.ToolCalls,
		Iterations: r.Iterations(),
		Usage:      acct.Usage,
		Messages:   r.Messages,
	}

	if err == nil {
		err = acct.Err
	}
	if err != nil {
		res.Error = err.Error()
		res.Err = err
		return res
	}

	res.Response = acct.Response
	res.Success = true

	return res
}
