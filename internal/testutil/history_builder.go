package testutil

import (
	"github.com/hupe1980/agentloop/core"
)

// HistoryBuilder provides a fluent helper for constructing message histories
// in tests.
// Example:
//
//	msgs := NewHistoryBuilder().Human("2+2?").AI("", Call("c1", "calc", nil)).Tool("c1", "calc", "4").AI("4").Build()
//
// Chain only the parts you need.
type HistoryBuilder struct {
	msgs []core.Message
}

// NewHistoryBuilder creates an empty builder.
func NewHistoryBuilder() *HistoryBuilder { return &HistoryBuilder{} }

// Human appends a human message (chainable).
func (b *HistoryBuilder) Human(text string, images ...core.ImagePart) *HistoryBuilder {
	b.msgs = append(b.msgs, core.NewHumanMessage(text, images...))
	return b
}

// AI appends an AI message with optional tool calls (chainable).
func (b *HistoryBuilder) AI(text string, calls ...core.ToolCall) *HistoryBuilder {
	b.msgs = append(b.msgs, core.NewAIMessage(text, calls...))
	return b
}

// Tool appends a tool result message (chainable).
func (b *HistoryBuilder) Tool(callID, name, content string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.NewToolMessage(callID, name, content))
	return b
}

// Usage attaches token usage to the most recent AI message (chainable).
func (b *HistoryBuilder) Usage(in, out int) *HistoryBuilder {
	for i := len(b.msgs) - 1; i >= 0; i-- {
		if b.msgs[i].Role == core.RoleAI {
			b.msgs[i].Usage = &core.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
			break
		}
	}
	return b
}

// Finish sets the finish reason of the most recent AI message (chainable).
func (b *HistoryBuilder) Finish(reason core.FinishReason) *HistoryBuilder {
	for i := len(b.msgs) - 1; i >= 0; i-- {
		if b.msgs[i].Role == core.RoleAI {
			b.msgs[i].FinishReason = reason
			break
		}
	}
	return b
}

// Build returns a copy of the accumulated history.
func (b *HistoryBuilder) Build() []core.Message {
	return core.CloneMessages(b.msgs)
}

// Call is shorthand for a core.ToolCall literal.
func Call(id, name string, args map[string]any) core.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return core.ToolCall{ID: id, Name: name, Args: args}
}
