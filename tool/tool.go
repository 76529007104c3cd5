// Package tool implements the tool calling surface of the engine: the Tool
// capability interface, a schema validated FunctionTool adapter for plain Go
// functions, and the per-run Registry that resolves model tool calls by name.
package tool

import (
	"fmt"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Tool is a capability the model can call.
//
// Implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Define a proper JSON schema for parameters
//   - Return errors instead of panicking
//   - Be safe for concurrent use when shared between runs
type Tool interface {
	// Name returns the unique identifier for this tool within a run.
	Name() string

	// Description is provided to the model to explain when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool. Arguments are the decoded model tool call
	// arguments; the returned value is stringified (JSON for non-strings)
	// into the tool result message.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// Definition returns the model facing declaration of t.
func Definition(t Tool) model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// Error codes used by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
