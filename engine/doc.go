// Package engine executes tool-augmented agent runs.
//
// A run is a bounded loop over two nodes:
//
//	       ┌──────────── tool calls ────────────┐
//	       │                                    ▼
//	┌─────────────┐                      ┌─────────────┐
//	│    agent    │ ◀──── continue ───── │    tools    │
//	└─────────────┘                      └─────────────┘
//	       │ no tool calls                      │ after-hook stop
//	       ▼                                    ▼
//	┌──────────────────────────────────────────────────┐
//	│                       end                        │
//	└──────────────────────────────────────────────────┘
//
// The agent node performs one model invocation through the retry policy and
// appends the AI message to the history. The tools node executes every tool
// call of that message sequentially, in call order. Each call is bracketed by
// the optional before and after hooks of the run and by tool_start and
// tool_complete events. Tool failures, panics and unknown tool names become
// error tool results; they never abort the batch.
//
// Every run is bounded by an iteration limit counting agent turns. Exceeding
// the limit fails the run with a core.IterationLimitError.
//
// # Results
//
// Execute never returns a Go error. The Result reports Success and Error
// together with the typed failure in Err:
//
//   - core.ConfigurationError: unknown provider, missing credential, invalid
//     input
//   - core.RetryExhaustedError: the model kept failing with transient errors
//   - core.ContentPolicyError: the final response was blocked or truncated
//   - core.ParsingError: JSON mode output could not be parsed or validated
//   - core.IterationLimitError: the loop did not settle in time
//
// When the model configuration names a fallback, a failed run is repeated
// once, from scratch, under model.DeriveFallback and that result is returned
// with FallbackUsed set.
//
// # Observability
//
// Runs log through logging.Logger, emit core.StreamEvent values to the
// configured sinks, record Prometheus series through Metrics and create
// OpenTelemetry spans (agentloop.run, agentloop.llm, agentloop.tool).
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Tools = []tool.Tool{calculator}
//	})
//
//	res := eng.Execute(ctx, engine.Input{
//	    Message:     "What is 2+2?",
//	    Model:       model.Config{Provider: model.ProviderOpenAI, Model: "gpt-4o-mini"},
//	    Credentials: provider.Credentials{model.ProviderOpenAI: os.Getenv("OPENAI_API_KEY")},
//	})
//	if !res.Success {
//	    log.Fatal(res.Error)
//	}
//	fmt.Println(res.Response)
package engine
