package core

import "strings"

// Role identifies the author of a Message.
type Role string

const (
	// RoleHuman marks caller-authored input.
	RoleHuman Role = "human"
	// RoleAI marks model output.
	RoleAI Role = "ai"
	// RoleTool marks the result of a tool call.
	RoleTool Role = "tool"
)

// FinishReason is the provider-neutral reason a model stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonUnknown       FinishReason = "unknown"
)

// ToolCall is a model request to invoke a named tool. IDs are unique within
// the AI message that carries them.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// TokenUsage reports the tokens consumed by one or more model calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u. A nil other is ignored.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	total := other.TotalTokens
	if total == 0 {
		total = other.InputTokens + other.OutputTokens
	}
	u.TotalTokens += total
}

// Message is one entry of a conversation history.
type Message struct {
	ID    string `json:"id,omitempty"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts,omitempty"`

	// AI messages only.
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// Tool result messages only.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// NewHumanMessage creates a caller message with optional image attachments.
func NewHumanMessage(text string, images ...ImagePart) Message {
	parts := make([]Part, 0, len(images)+1)
	if text != "" {
		parts = append(parts, TextPart{Text: text})
	}
	for _, img := range images {
		parts = append(parts, img)
	}
	return Message{ID: NewID(), Role: RoleHuman, Parts: parts}
}

// NewAIMessage creates a model message with optional tool calls.
func NewAIMessage(text string, calls ...ToolCall) Message {
	m := Message{ID: NewID(), Role: RoleAI, ToolCalls: calls}
	if text != "" {
		m.Parts = []Part{TextPart{Text: text}}
	}
	return m
}

// NewToolMessage creates the result message for the tool call callID.
func NewToolMessage(callID, name, content string) Message {
	return Message{
		ID:         NewID(),
		Role:       RoleTool,
		Parts:      []Part{TextPart{Text: content}},
		ToolCallID: callID,
		Name:       name,
	}
}

// Text concatenates all text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// Images returns the image parts preserving their order.
func (m Message) Images() []ImagePart {
	var out []ImagePart
	for _, p := range m.Parts {
		if ip, ok := p.(ImagePart); ok {
			out = append(out, ip)
		}
	}
	return out
}

// HasToolCalls reports whether an AI message requests at least one tool call.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// CloneMessages returns a copy of the slice so callers can modify it without
// affecting the original history.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
