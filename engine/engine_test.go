package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/testutil"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/provider"
	"github.com/hupe1980/agentloop/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -------------------- helpers --------------------

type factoryRecorder struct {
	mu     sync.Mutex
	models map[string]model.Model
	cfgs   []model.Config
}

func (f *factoryRecorder) New(_ context.Context, cfg model.Config, _ provider.Credentials) (model.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cfgs = append(f.cfgs, cfg)

	m, ok := f.models[cfg.Model]
	if !ok {
		return nil, core.NewConfigurationError(string(cfg.Provider), "unknown model %q", cfg.Model)
	}
	return m, nil
}

func (f *factoryRecorder) Configs() []model.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Config, len(f.cfgs))
	copy(out, f.cfgs)
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestEngine(t *testing.T, models map[string]model.Model, optFns ...func(o *Options)) (*Engine, *factoryRecorder, *sleepRecorder) {
	t.Helper()

	factory := &factoryRecorder{models: models}
	sleeper := &sleepRecorder{}

	fns := append([]func(o *Options){func(o *Options) {
		o.Factory = factory.New
		o.Sleep = sleeper.Sleep
	}}, optFns...)

	return New(fns...), factory, sleeper
}

func primaryConfig() model.Config {
	return model.Config{Provider: model.ProviderOpenAI, Model: "primary"}
}

func echoTool() tool.Tool {
	return tool.NewFunctionTool("echo", "Echo text", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args["text"], nil
	})
}

func sumTool() tool.Tool {
	return tool.NewFunctionTool("sum", "Add numbers", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return map[string]any{"sum": args["a"].(float64) + args["b"].(float64)}, nil
	})
}

func call(id, name string, args map[string]any) core.ToolCall {
	return core.ToolCall{ID: id, Name: name, Args: args}
}

func serverError() error {
	return &core.ProviderError{Reason: core.ReasonServerError, Provider: "openai", Model: "primary", Status: 503, Cause: errors.New("unavailable")}
}

// -------------------- scenarios --------------------

func TestExecute_SingleTurnWithoutTools(t *testing.T) {
	m := model.NewMockModel("primary", "openai", model.MockTurn{Text: "4", Usage: &core.TokenUsage{InputTokens: 5, OutputTokens: 1, TotalTokens: 6}})
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{
		Message:       "2+2?",
		Model:         primaryConfig(),
		MaxIterations: 10,
		Sink:          sink,
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "4", res.Response)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, res.ToolCalls)
	assert.NotNil(t, res.ToolCalls)
	assert.Equal(t, 6, res.Usage.TotalTokens)
	assert.Equal(t, "openai/primary", res.Model)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 1, m.Calls())
	assert.Empty(t, m.Requests()[0].Tools)

	assert.Equal(t, []core.EventKind{core.EventLLMStart, core.EventLLMComplete}, sink.Kinds())
	complete := sink.OfKind(core.EventLLMComplete)[0]
	assert.Equal(t, "4", complete.Content)
	assert.Equal(t, res.RunID, complete.RunID)
}

func TestExecute_ToolCallsAccountedInCallOrder(t *testing.T) {
	m := model.NewMockModel("primary", "openai",
		model.MockTurn{ToolCalls: []core.ToolCall{
			call("c1", "sum", map[string]any{"a": 1.0, "b": 2.0}),
			call("c2", "echo", map[string]any{"text": "hi"}),
			call("c3", "sum", map[string]any{"a": 3.0, "b": 4.0}),
		}, Usage: &core.TokenUsage{InputTokens: 10, OutputTokens: 5}},
		model.MockTurn{Text: "done", Usage: &core.TokenUsage{InputTokens: 20, OutputTokens: 2}},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m}, func(o *Options) {
		o.Tools = []tool.Tool{sumTool()}
	})
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{
		Message: "compute",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{echoTool()},
		Sink:    sink,
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "done", res.Response)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, []ToolCallRecord{
		{Tool: "sum", Input: map[string]any{"a": 1.0, "b": 2.0}, Output: `{"sum":3}`},
		{Tool: "echo", Input: map[string]any{"text": "hi"}, Output: "hi"},
		{Tool: "sum", Input: map[string]any{"a": 3.0, "b": 4.0}, Output: `{"sum":7}`},
	}, res.ToolCalls)
	assert.Equal(t, core.TokenUsage{InputTokens: 30, OutputTokens: 7, TotalTokens: 37}, res.Usage)

	assert.Equal(t, []core.EventKind{
		core.EventLLMStart, core.EventLLMComplete,
		core.EventToolStart, core.EventToolComplete,
		core.EventToolStart, core.EventToolComplete,
		core.EventToolStart, core.EventToolComplete,
		core.EventLLMStart, core.EventLLMComplete,
	}, sink.Kinds())

	// Both engine and caller tools are sent to the model.
	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Tools, 2)

	// The second turn sees one result per call, in call order.
	var results []string
	for _, msg := range reqs[1].Messages {
		if msg.Role == core.RoleTool {
			results = append(results, msg.ToolCallID)
		}
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, results)
}

func TestExecute_IdenticalInputsProduceIdenticalEvents(t *testing.T) {
	runOnce := func() []core.StreamEvent {
		m := model.NewMockModel("primary", "openai",
			model.MockTurn{Text: "let me check", ToolCalls: []core.ToolCall{call("c1", "echo", map[string]any{"text": "x"})}},
			model.MockTurn{Text: "x"},
		)
		eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})
		sink := &testutil.RecordingSink{}

		res := eng.Execute(context.Background(), Input{
			Message: "echo x",
			Model:   primaryConfig(),
			Tools:   []tool.Tool{echoTool()},
			Sink:    sink,
		})
		require.True(t, res.Success, res.Error)

		events := sink.Events()
		for i := range events {
			events[i].RunID = ""
			events[i].Timestamp = time.Time{}
			events[i].Duration = 0
		}
		return events
	}

	first := runOnce()
	second := runOnce()

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestExecute_RetriesExactlyMaxAttempts(t *testing.T) {
	m := model.NewMockModel("primary", "openai").FailWith(serverError())
	eng, _, sleeper := newTestEngine(t, map[string]model.Model{"primary": m})
	sink := &testutil.RecordingSink{}

	cfg := primaryConfig()
	cfg.MaxRetries = 3

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: cfg, Sink: sink})

	require.False(t, res.Success)
	assert.Equal(t, 3, m.Calls())

	var exhausted *core.RetryExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	// Two backoff sleeps between three attempts: 1s and 2s, each within ±25%.
	require.Len(t, sleeper.delays, 2)
	for i, base := range []time.Duration{time.Second, 2 * time.Second} {
		assert.GreaterOrEqual(t, sleeper.delays[i], time.Duration(float64(base)*0.75))
		assert.LessOrEqual(t, sleeper.delays[i], time.Duration(float64(base)*1.25))
	}

	errs := sink.OfKind(core.EventError)
	require.Len(t, errs, 3)
	assert.True(t, errs[0].Recoverable)
	assert.Equal(t, 1, errs[0].Attempt)
	assert.True(t, errs[1].Recoverable)
	assert.Equal(t, 2, errs[1].Attempt)
	assert.True(t, errs[2].IsTerminalError())
}

func TestExecute_NonTransientErrorIsNotRetried(t *testing.T) {
	m := model.NewMockModel("primary", "openai").FailWith(&core.ProviderError{Reason: core.ReasonAuth, Provider: "openai", Status: 401, Cause: errors.New("bad key")})
	eng, _, sleeper := newTestEngine(t, map[string]model.Model{"primary": m})

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: primaryConfig()})

	require.False(t, res.Success)
	assert.Equal(t, 1, m.Calls())
	assert.Empty(t, sleeper.delays)
	assert.Contains(t, res.Error, "auth")
}

func TestExecute_FallbackAfterPrimaryExhausted(t *testing.T) {
	primary := model.NewMockModel("primary", "openai").FailWith(serverError())
	backup := model.NewMockModel("backup", "anthropic", model.MockTurn{Text: "from backup"})
	eng, factory, _ := newTestEngine(t, map[string]model.Model{"primary": primary, "backup": backup})
	sink := &testutil.RecordingSink{}

	temp := 0.2
	cfg := primaryConfig()
	cfg.MaxRetries = 2
	cfg.Temperature = &temp
	cfg.Fallback = &model.Config{Provider: model.ProviderAnthropic, Model: "backup"}

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: cfg, Sink: sink})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "from backup", res.Response)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "anthropic/backup", res.Model)
	assert.Equal(t, 2, primary.Calls())
	assert.Equal(t, 1, backup.Calls())

	cfgs := factory.Configs()
	require.Len(t, cfgs, 2)
	derived := cfgs[1]
	assert.Nil(t, derived.Fallback)
	assert.Equal(t, "backup", derived.Model)
	assert.Equal(t, 2, derived.MaxRetries)
	require.NotNil(t, derived.Temperature)
	assert.Equal(t, 0.2, *derived.Temperature)

	// The primary's final failure is reported as recoverable since the
	// backup takes over.
	errs := sink.OfKind(core.EventError)
	require.NotEmpty(t, errs)
	assert.True(t, errs[len(errs)-1].Recoverable)
}

func TestExecute_FallbackInheritsUnsetProvider(t *testing.T) {
	primary := model.NewMockModel("primary", "openai").FailWith(serverError())
	backup := model.NewMockModel("backup", "openai", model.MockTurn{Text: "from backup"})
	eng, factory, _ := newTestEngine(t, map[string]model.Model{"primary": primary, "backup": backup})

	routing := &model.RoutingHints{BaseURL: "https://proxy.internal/v1"}
	cfg := primaryConfig()
	cfg.MaxRetries = 1
	cfg.Routing = routing
	cfg.Fallback = &model.Config{Model: "backup"}

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: cfg})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "openai/backup", res.Model)

	cfgs := factory.Configs()
	require.Len(t, cfgs, 2)
	assert.Equal(t, model.ProviderOpenAI, cfgs[1].Provider)
	assert.Same(t, routing, cfgs[1].Routing)
}

func TestExecute_FallbackResultReturnedVerbatimOnFailure(t *testing.T) {
	primary := model.NewMockModel("primary", "openai").FailWith(serverError())
	backup := model.NewMockModel("backup", "openai").FailWith(serverError())
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": primary, "backup": backup})
	sink := &testutil.RecordingSink{}

	cfg := primaryConfig()
	cfg.Fallback = &model.Config{Provider: model.ProviderOpenAI, Model: "backup", MaxRetries: 1}

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: cfg, Sink: sink})

	require.False(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, 3, primary.Calls())
	assert.Equal(t, 1, backup.Calls())

	errs := sink.OfKind(core.EventError)
	assert.True(t, errs[len(errs)-1].IsTerminalError())
}

func TestExecute_FallbackOnPrimaryConfigurationError(t *testing.T) {
	backup := model.NewMockModel("backup", "openai", model.MockTurn{Text: "ok"})
	eng, _, _ := newTestEngine(t, map[string]model.Model{"backup": backup})

	cfg := model.Config{Provider: model.ProviderOpenAI, Model: "missing"}
	cfg.Fallback = &model.Config{Provider: model.ProviderOpenAI, Model: "backup"}

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: cfg})

	require.True(t, res.Success, res.Error)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "ok", res.Response)
}

func TestExecute_ConfigurationErrorWithoutFallback(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{
		Message: "hi",
		Model:   model.Config{Provider: "acme", Model: "x"},
		Sink:    sink,
	})

	require.False(t, res.Success)
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, res.Err, &cfgErr)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, []core.EventKind{core.EventError}, sink.Kinds())
}

func TestExecute_NestedFallbackRejected(t *testing.T) {
	m := model.NewMockModel("primary", "openai", model.MockTurn{Text: "never"})
	eng, factory, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	cfg := primaryConfig()
	cfg.Fallback = &model.Config{
		Provider: model.ProviderOpenAI,
		Model:    "backup",
		Fallback: &model.Config{Provider: model.ProviderOpenAI, Model: "third"},
	}

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: cfg})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "must not declare its own fallback")
	assert.Empty(t, factory.Configs())
	assert.Equal(t, 0, m.Calls())
}

func TestExecute_MissingToolContinues(t *testing.T) {
	m := model.NewMockModel("primary", "openai",
		model.MockTurn{ToolCalls: []core.ToolCall{
			call("c1", "ghost", map[string]any{"x": 1.0}),
			call("c2", "echo", map[string]any{"text": "still runs"}),
		}},
		model.MockTurn{Text: "ok"},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{
		Message: "go",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{echoTool()},
		Sink:    sink,
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, []ToolCallRecord{{Tool: "echo", Input: map[string]any{"text": "still runs"}, Output: "still runs"}}, res.ToolCalls)

	var ghost *core.Message
	for i, msg := range res.Messages {
		if msg.Role == core.RoleTool && msg.ToolCallID == "c1" {
			ghost = &res.Messages[i]
		}
	}
	require.NotNil(t, ghost)
	assert.Equal(t, "Error: Tool ghost not found", ghost.Text())

	starts := sink.OfKind(core.EventToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "echo", starts[0].ToolName)
}

func TestExecute_AfterHookStopEndsRun(t *testing.T) {
	validations := 0
	validator := tool.NewFunctionTool("validate_code", "Validate code", nil, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		validations++
		return map[string]any{"valid": true}, nil
	})

	m := model.NewMockModel("primary", "openai",
		model.MockTurn{Text: "package main", ToolCalls: []core.ToolCall{
			call("c1", "validate_code", nil),
			call("c2", "echo", map[string]any{"text": "after stop"}),
		}},
		model.MockTurn{Text: "must not be requested"},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	res := eng.Execute(context.Background(), Input{
		Message: "write code",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{validator, echoTool()},
		Hooks: Hooks{
			AfterToolCall: func(_ context.Context, hc AfterToolCallContext) (*AfterToolCallResult, error) {
				if hc.ToolName == "validate_code" && hc.ToolError == nil {
					return &AfterToolCallResult{ShouldStop: true}, nil
				}
				return nil, nil
			},
		},
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "package main", res.Response)
	assert.Equal(t, 1, m.Calls())
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, validations)
	// The remaining call of the batch still receives its result.
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "after stop", res.ToolCalls[1].Output)
}

func TestExecute_BeforeHookRewritesArgumentsForOneCall(t *testing.T) {
	m := model.NewMockModel("primary", "openai",
		model.MockTurn{ToolCalls: []core.ToolCall{
			call("c1", "echo", map[string]any{"text": "original"}),
			call("c2", "echo", map[string]any{"text": "untouched"}),
		}},
		model.MockTurn{Text: "ok"},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{
		Message: "go",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{echoTool()},
		Sink:    sink,
		Hooks: Hooks{
			BeforeToolCall: func(_ context.Context, hc BeforeToolCallContext) (*BeforeToolCallResult, error) {
				if hc.ToolCallID == "c1" {
					return &BeforeToolCallResult{ToolInput: map[string]any{"text": "rewritten"}}, nil
				}
				return nil, nil
			},
		},
	})

	require.True(t, res.Success, res.Error)
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "rewritten", res.ToolCalls[0].Output)
	assert.Equal(t, map[string]any{"text": "original"}, res.ToolCalls[0].Input)
	assert.Equal(t, "untouched", res.ToolCalls[1].Output)

	starts := sink.OfKind(core.EventToolStart)
	require.Len(t, starts, 2)
	assert.Equal(t, map[string]any{"text": "rewritten"}, starts[0].Input)
	assert.Equal(t, map[string]any{"text": "untouched"}, starts[1].Input)
}

func TestExecute_AfterHookReplacesMessages(t *testing.T) {
	m := model.NewMockModel("primary", "openai",
		model.MockTurn{ToolCalls: []core.ToolCall{call("c1", "echo", map[string]any{"text": "x"})}},
		model.MockTurn{Text: "ok"},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	res := eng.Execute(context.Background(), Input{
		Message: "go",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{echoTool()},
		Hooks: Hooks{
			AfterToolCall: func(_ context.Context, hc AfterToolCallContext) (*AfterToolCallResult, error) {
				msgs := append(hc.Messages, core.NewHumanMessage("validation feedback"))
				return &AfterToolCallResult{Messages: msgs}, nil
			},
		},
	})

	require.True(t, res.Success, res.Error)

	second := m.Requests()[1].Messages
	require.NotEmpty(t, second)
	assert.Equal(t, "validation feedback", second[len(second)-1].Text())
}

func TestExecute_HookFailureIsContained(t *testing.T) {
	m := model.NewMockModel("primary", "openai",
		model.MockTurn{ToolCalls: []core.ToolCall{call("c1", "echo", map[string]any{"text": "x"})}},
		model.MockTurn{Text: "ok"},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{
		Message: "go",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{echoTool()},
		Sink:    sink,
		Hooks: Hooks{
			BeforeToolCall: func(context.Context, BeforeToolCallContext) (*BeforeToolCallResult, error) {
				return &BeforeToolCallResult{ToolInput: map[string]any{"text": "ignored"}}, errors.New("hook down")
			},
			AfterToolCall: func(context.Context, AfterToolCallContext) (*AfterToolCallResult, error) {
				panic("after hook exploded")
			},
		},
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "x", res.ToolCalls[0].Output)

	errs := sink.OfKind(core.EventError)
	require.Len(t, errs, 2)
	assert.True(t, errs[0].Recoverable)
	assert.Contains(t, errs[0].Error, "hook down")
	assert.Contains(t, errs[1].Error, "after hook exploded")
}

func TestExecute_ToolFailuresAreContained(t *testing.T) {
	failing := tool.NewFunctionTool("failing", "Always fails", nil, func(*core.ToolContext, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	})
	panicking := tool.NewFunctionTool("panicking", "Always panics", nil, func(*core.ToolContext, map[string]any) (any, error) {
		panic("boom")
	})

	m := model.NewMockModel("primary", "openai",
		model.MockTurn{ToolCalls: []core.ToolCall{
			call("c1", "failing", nil),
			call("c2", "panicking", nil),
			call("c3", "echo", map[string]any{"wrong": 1.0}),
		}},
		model.MockTurn{Text: "recovered"},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{
		Message: "go",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{failing, panicking, echoTool()},
		Sink:    sink,
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "recovered", res.Response)
	require.Len(t, res.ToolCalls, 3)
	assert.Equal(t, "Error: disk full", res.ToolCalls[0].Output)
	assert.Equal(t, "Error: panic recovered: boom", res.ToolCalls[1].Output)
	assert.Contains(t, res.ToolCalls[2].Output, "Error: ")

	for _, ev := range sink.OfKind(core.EventToolComplete) {
		assert.NotEmpty(t, ev.Error)
	}
}

func TestExecute_IterationLimitIsFatal(t *testing.T) {
	loop := model.MockTurn{ToolCalls: []core.ToolCall{call("c", "echo", map[string]any{"text": "again"})}}
	m := model.NewMockModel("primary", "openai", loop, loop, loop)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	res := eng.Execute(context.Background(), Input{
		Message:       "loop",
		Model:         primaryConfig(),
		Tools:         []tool.Tool{echoTool()},
		MaxIterations: 2,
	})

	require.False(t, res.Success)
	var limitErr *core.IterationLimitError
	require.ErrorAs(t, res.Err, &limitErr)
	assert.Equal(t, 2, limitErr.Max)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, m.Calls())
	assert.Len(t, res.ToolCalls, 2)
}

func TestExecute_TerminalFinishReasons(t *testing.T) {
	tests := []struct {
		name   string
		reason core.FinishReason
		want   core.ContentPolicyReason
	}{
		{"safety", core.FinishReasonContentFilter, core.ContentPolicySafety},
		{"length", core.FinishReasonLength, core.ContentPolicyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := model.NewMockModel("primary", "openai", model.MockTurn{Text: "partial", FinishReason: tt.reason})
			eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

			res := eng.Execute(context.Background(), Input{Message: "hi", Model: primaryConfig()})

			require.False(t, res.Success)
			assert.Empty(t, res.Response)
			assert.Equal(t, 1, m.Calls())

			var policyErr *core.ContentPolicyError
			require.ErrorAs(t, res.Err, &policyErr)
			assert.Equal(t, tt.want, policyErr.Reason)
		})
	}

	t.Run("length mentions max_tokens", func(t *testing.T) {
		m := model.NewMockModel("primary", "openai", model.MockTurn{Text: "cut", FinishReason: core.FinishReasonLength})
		eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

		res := eng.Execute(context.Background(), Input{Message: "hi", Model: primaryConfig()})
		assert.Contains(t, res.Error, "max_tokens")
	})
}

func TestExecute_JSONMode(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []string{"answer"},
		"properties": map[string]any{
			"answer": map[string]any{"type": "integer"},
		},
	}

	tests := []struct {
		name     string
		output   string
		schema   map[string]any
		success  bool
		response string
	}{
		{"fenced json5", "```json\n{answer: 4,}\n```", nil, true, `{"answer":4}`},
		{"schema match", `{"answer": 4}`, schema, true, `{"answer":4}`},
		{"schema mismatch", `{"answer": "four"}`, schema, false, ""},
		{"not json", "four", nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := model.NewMockModel("primary", "openai", model.MockTurn{Text: tt.output})
			eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

			cfg := primaryConfig()
			cfg.JSONMode = true

			res := eng.Execute(context.Background(), Input{Message: "2+2 as json", Model: cfg, ResponseSchema: tt.schema})

			assert.True(t, m.Requests()[0].JSONMode)
			assert.Equal(t, tt.success, res.Success, res.Error)
			assert.Equal(t, tt.response, res.Response)
			if !tt.success {
				var parseErr *core.ParsingError
				assert.ErrorAs(t, res.Err, &parseErr)
			}
		})
	}
}

func TestExecute_SinkFailureIsContained(t *testing.T) {
	m := model.NewMockModel("primary", "openai", model.MockTurn{Text: "fine"})
	panicking := core.SinkFunc(func(context.Context, core.StreamEvent) error { panic("sink exploded") })
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m}, func(o *Options) {
		o.Sink = panicking
	})

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: primaryConfig(), Sink: testutil.FailingSink{}})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "fine", res.Response)
}

func TestExecute_StreamingEmitsThinkEvents(t *testing.T) {
	m := model.NewMockModel("primary", "openai", model.MockTurn{Text: "hi", Thinking: "hmm"})
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{Message: "hello", Model: primaryConfig(), Stream: true, Sink: sink})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "hi", res.Response)
	assert.True(t, m.Requests()[0].Stream)

	var thoughts []string
	for _, ev := range sink.OfKind(core.EventThink) {
		thoughts = append(thoughts, ev.Content)
	}
	assert.Equal(t, []string{"hmm", "h", "i"}, thoughts)
	assert.Equal(t, []core.EventKind{
		core.EventLLMStart, core.EventThink, core.EventThink, core.EventThink, core.EventLLMComplete,
	}, sink.Kinds())
}

func TestExecute_NonStreamingReportsThinkingOnce(t *testing.T) {
	m := model.NewMockModel("primary", "openai", model.MockTurn{Text: "hi", Thinking: "hmm"})
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})
	sink := &testutil.RecordingSink{}

	res := eng.Execute(context.Background(), Input{Message: "hello", Model: primaryConfig(), Sink: sink})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []core.EventKind{core.EventLLMStart, core.EventThink, core.EventLLMComplete}, sink.Kinds())
}

func TestExecute_SystemPromptTemplateAndHistory(t *testing.T) {
	m := model.NewMockModel("primary", "openai", model.MockTurn{Text: "ok"})
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	history := testutil.NewHistoryBuilder().Human("earlier").AI("answer").Build()

	res := eng.Execute(context.Background(), Input{
		Message:      "now",
		History:      history,
		SystemPrompt: "You are a {{ .role }} assistant.{{ .missing }}",
		Vars:         map[string]any{"role": "Go"},
		Model:        primaryConfig(),
	})

	require.True(t, res.Success, res.Error)

	req := m.Requests()[0]
	assert.Equal(t, "You are a Go assistant.", req.System)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "earlier", req.Messages[0].Text())
	assert.Equal(t, "now", req.Messages[2].Text())
	assert.Len(t, history, 2, "caller history is not mutated")
}

func TestExecute_EmptyInputIsConfigurationError(t *testing.T) {
	m := model.NewMockModel("primary", "openai")
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	res := eng.Execute(context.Background(), Input{Model: primaryConfig()})

	require.False(t, res.Success)
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, res.Err, &cfgErr)
	assert.Equal(t, 0, m.Calls())
}

func TestExecute_ToolsOnModelWithoutToolSupport(t *testing.T) {
	m := model.NewMockModel("primary", "openai").WithoutTools()
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	res := eng.Execute(context.Background(), Input{Message: "hi", Model: primaryConfig(), Tools: []tool.Tool{echoTool()}})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "does not support tool calling")
}

func TestExecute_CancelledContextSkipsFallback(t *testing.T) {
	primary := model.NewMockModel("primary", "openai", model.MockTurn{Text: "never"})
	backup := model.NewMockModel("backup", "openai", model.MockTurn{Text: "never"})
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": primary, "backup": backup})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := primaryConfig()
	cfg.Fallback = &model.Config{Provider: model.ProviderOpenAI, Model: "backup"}

	res := eng.Execute(ctx, Input{Message: "hi", Model: cfg})

	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 0, primary.Calls())
	assert.Equal(t, 0, backup.Calls())
}

func TestExecuteAsync(t *testing.T) {
	m := model.NewMockModel("primary", "openai",
		model.MockTurn{ToolCalls: []core.ToolCall{call("c1", "echo", map[string]any{"text": "x"})}},
		model.MockTurn{Text: "done"},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	id, events, results := eng.ExecuteAsync(context.Background(), Input{
		Message: "go",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{echoTool()},
	})
	require.NotEmpty(t, id)

	var kinds []core.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}

	res := <-results
	require.NotNil(t, res)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, id, res.RunID)
	assert.Equal(t, "done", res.Response)
	assert.Len(t, kinds, 6)

	assert.Error(t, eng.Stop(id), "finished executions are no longer tracked")
}

func TestExecuteAsync_UndrainedEventsDoNotBlock(t *testing.T) {
	m := model.NewMockModel("primary", "openai",
		model.MockTurn{ToolCalls: []core.ToolCall{call("c1", "echo", map[string]any{"text": "x"})}},
		model.MockTurn{Text: "done"},
	)
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m}, func(o *Options) {
		o.EventBufferSize = 1
	})

	_, events, results := eng.ExecuteAsync(context.Background(), Input{
		Message: "go",
		Model:   primaryConfig(),
		Tools:   []tool.Tool{echoTool()},
	})

	select {
	case res := <-results:
		require.NotNil(t, res)
		require.True(t, res.Success, res.Error)
		assert.Equal(t, "done", res.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("result not delivered while the event channel was full")
	}

	var got []core.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, core.EventLLMStart, got[0].Kind)
}

// imageModel resolves every attached image before answering, the way the
// vendor adapters do.
type imageModel struct{ *model.MockModel }

func (m imageModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	for _, msg := range req.Messages {
		for _, img := range msg.Images() {
			if _, _, err := model.ResolveImage(ctx, img); err != nil {
				respCh := make(chan model.Response)
				errCh := make(chan error, 1)
				errCh <- err
				close(respCh)
				close(errCh)
				return respCh, errCh
			}
		}
	}
	return m.MockModel.Generate(ctx, req)
}

func TestExecute_LocalImagesRequireOptIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pic.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	in := Input{
		Message: "describe",
		Images:  []core.ImagePart{{URL: "file://" + path}},
		Model:   primaryConfig(),
	}

	m := imageModel{model.NewMockModel("primary", "openai", model.MockTurn{Text: "a picture"})}
	eng, _, _ := newTestEngine(t, map[string]model.Model{"primary": m})

	res := eng.Execute(context.Background(), in)
	require.False(t, res.Success)
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, res.Err, &cfgErr)

	m = imageModel{model.NewMockModel("primary", "openai", model.MockTurn{Text: "a picture"})}
	eng, _, _ = newTestEngine(t, map[string]model.Model{"primary": m}, func(o *Options) {
		o.AllowLocalImages = true
	})

	res = eng.Execute(context.Background(), in)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "a picture", res.Response)
}

func TestStop_UnknownExecution(t *testing.T) {
	eng := New()
	assert.EqualError(t, eng.Stop("nope"), "execution nope not found")
}

func TestExecute_ConcurrentRunsShareNoState(t *testing.T) {
	eng := New(func(o *Options) {
		o.Factory = func(context.Context, model.Config, provider.Credentials) (model.Model, error) {
			return model.NewMockModel("primary", "openai",
				model.MockTurn{ToolCalls: []core.ToolCall{call("c1", "echo", map[string]any{"text": "x"})}},
				model.MockTurn{Text: "done"},
			), nil
		}
		o.Tools = []tool.Tool{echoTool()}
	})

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = eng.Execute(context.Background(), Input{Message: "go", Model: primaryConfig()})
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.True(t, res.Success, res.Error)
		assert.Equal(t, 2, res.Iterations)
		assert.Len(t, res.ToolCalls, 1)
	}
}
