package engine

import (
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/provider"
	"github.com/hupe1980/agentloop/tool"
)

// Input describes one execution.
type Input struct {
	// Message is the new human turn.
	Message string
	// Images are attached to the human turn.
	Images []core.ImagePart
	// History is prior conversation prepended before Message.
	History []core.Message
	// SystemPrompt may reference Vars with {{ .name }}.
	SystemPrompt string
	Vars         map[string]any

	// Tools are merged over the engine tools; on a name clash these win.
	Tools []tool.Tool

	Model       model.Config
	Credentials provider.Credentials

	// MaxIterations overrides the engine default when > 0.
	MaxIterations int

	Hooks Hooks
	// Sink receives the run events in addition to the engine sink.
	Sink core.EventSink
	// Stream selects the streaming adapter variant; partial text and
	// reasoning are reported as think events.
	Stream bool
	// ResponseSchema validates the cleaned JSON response in JSON mode.
	ResponseSchema map[string]any
}

// ToolCallRecord is one accounted tool call.
type ToolCallRecord struct {
	Tool   string         `json:"tool"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
}

// Result is the outcome of an execution. Failures are reported through
// Success and Error; Execute never returns a Go error.
type Result struct {
	Response     string           `json:"response"`
	ToolCalls    []ToolCallRecord `json:"toolCalls"`
	Iterations   int              `json:"iterations"`
	Success      bool             `json:"success"`
	Error        string           `json:"error"`
	Usage        core.TokenUsage  `json:"usage"`
	Model        string           `json:"model,omitempty"`
	FallbackUsed bool             `json:"fallbackUsed,omitempty"`
	RunID        string           `json:"runId,omitempty"`

	// Err is the typed failure behind Error.
	Err error `json:"-"`
	// Messages is the final conversation history.
	Messages []core.Message `json:"-"`
}

func failedResult(err error) *Result {
	return &Result{
		ToolCalls: []ToolCallRecord{},
		Error:     err.Error(),
		Err:       err,
	}
}
