package core

import "time"

// EventKind discriminates StreamEvent values.
type EventKind string

const (
	// EventLLMStart is emitted before each agent turn calls the model.
	EventLLMStart EventKind = "llm_start"
	// EventThink carries partial or reasoning content during a streaming turn.
	EventThink EventKind = "think"
	// EventLLMComplete is emitted after the model returned a final message.
	EventLLMComplete EventKind = "llm_complete"
	// EventToolStart is emitted before a resolved tool is invoked.
	EventToolStart EventKind = "tool_start"
	// EventToolComplete is emitted after the tool result was recorded.
	EventToolComplete EventKind = "tool_complete"
	// EventError reports a failure. Recoverable errors are followed by a retry
	// or fallback; the others end the run.
	EventError EventKind = "error"
)

// StreamEvent is a progress notification produced while a run executes.
// Events of one run are delivered in order and must be treated as immutable.
type StreamEvent struct {
	Kind      EventKind `json:"kind"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`

	Content   string      `json:"content,omitempty"`
	ToolCalls int         `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`

	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`

	Error       string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
}

// NewStreamEvent creates an event of the given kind stamped with the current UTC time.
func NewStreamEvent(kind EventKind, runID string, iteration int) StreamEvent {
	return StreamEvent{
		Kind:      kind,
		RunID:     runID,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
	}
}

// IsTerminalError reports whether the event is a non-recoverable error.
func (e StreamEvent) IsTerminalError() bool {
	return e.Kind == EventError && !e.Recoverable
}
