package model

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hupe1980/agentloop/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input.
type Request struct {
	System   string           `json:"system,omitempty"`
	Messages []core.Message   `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool `json:"json_mode,omitempty"`
}

// Response is a (partial or final) chunk emitted by a model. Partial chunks
// carry incremental text in Message and/or reasoning text in Thinking. Exactly
// one final chunk (Partial=false) is emitted on success.
type Response struct {
	ID           string            `json:"id"`
	Partial      bool              `json:"partial"`
	Message      core.Message      `json:"message"`
	Thinking     string            `json:"thinking,omitempty"`
	FinishReason core.FinishReason `json:"finish_reason"`
	Usage        *core.TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name              string `json:"name"`
	Provider          string `json:"provider"`
	SupportsTools     bool   `json:"supports_tools"`
	SupportsStreaming bool   `json:"supports_streaming"`
}

// Model is the minimal interface required by the engine to drive generation.
//
// Implementations emit zero or more partial responses followed by one final
// response on the first channel, or a single error on the second. Both
// channels are closed when generation ends.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// JSONModeInstruction is appended to the system prompt for providers without
// a native JSON response format.
const JSONModeInstruction = "Respond only with a single valid JSON object. Do not wrap it in markdown code fences."

// SystemPrompt returns the request system prompt, extended with the JSON
// instruction when JSON mode is requested and the provider has no native
// switch for it.
func (r Request) SystemPrompt(nativeJSON bool) string {
	if !r.JSONMode || nativeJSON {
		return r.System
	}
	if r.System == "" {
		return JSONModeInstruction
	}
	return r.System + "\n\n" + JSONModeInstruction
}

// Send delivers r on out unless ctx is done first.
func Send(ctx context.Context, out chan<- Response, r Response) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// ParseToolArgs decodes a JSON object of tool arguments. Empty input yields an
// empty map; undecodable input is preserved under the "_raw" key so the tool
// layer can report it.
func ParseToolArgs(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
