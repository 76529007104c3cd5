package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// MockTurn scripts one MockModel generation.
type MockTurn struct {
	Text         string
	ToolCalls    []core.ToolCall
	Thinking     string
	FinishReason core.FinishReason
	Usage        *core.TokenUsage
	Err          error
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Scripted turns are consumed in order; once exhausted the model answers
// with canned responses registered via AddResponse or echoes the prompt.
type MockModel struct {
	info      Info
	responses map[string]string

	mu       sync.Mutex
	script   []MockTurn
	failWith error
	requests []Request
}

// NewMockModel constructs a MockModel with tool and streaming support enabled.
func NewMockModel(name, provider string, turns ...MockTurn) *MockModel {
	return &MockModel{
		info: Info{
			Name:              name,
			Provider:          provider,
			SupportsTools:     true,
			SupportsStreaming: true,
		},
		responses: make(map[string]string),
		script:    turns,
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// FailWith makes every subsequent generation fail with err.
func (m *MockModel) FailWith(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
	return m
}

// WithoutTools reports SupportsTools=false.
func (m *MockModel) WithoutTools() *MockModel {
	m.info.SupportsTools = false
	return m
}

// Calls returns the number of Generate invocations.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns copies of every request received.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockModel) next(req Request) MockTurn {
	m.mu.Lock()
	defer m.mu.Unlock()

	req.Messages = core.CloneMessages(req.Messages)
	m.requests = append(m.requests, req)

	if m.failWith != nil {
		return MockTurn{Err: m.failWith}
	}
	if len(m.script) > 0 {
		t := m.script[0]
		m.script = m.script[1:]
		return t
	}

	var input string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleHuman {
			input = req.Messages[i].Text()
			break
		}
	}
	full := m.responses[input]
	if full == "" {
		full = fmt.Sprintf("Mock response to: %s", input)
	}
	return MockTurn{Text: full}
}

// Generate implements Model; emits optional streaming chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	turn := m.next(req)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if turn.Err != nil {
			errCh <- turn.Err
			return
		}

		if req.Stream {
			if turn.Thinking != "" {
				if !Send(ctx, respCh, Response{Partial: true, Thinking: turn.Thinking}) {
					errCh <- ctx.Err()
					return
				}
			}
			for _, r := range turn.Text {
				if !Send(ctx, respCh, Response{Partial: true, Message: core.Message{Role: core.RoleAI, Parts: []core.Part{core.TextPart{Text: string(r)}}}}) {
					errCh <- ctx.Err()
					return
				}
			}
		}

		calls := make([]core.ToolCall, len(turn.ToolCalls))
		copy(calls, turn.ToolCalls)

		final := Response{
			ID:           core.NewID(),
			Message:      core.NewAIMessage(turn.Text, calls...),
			Thinking:     turn.Thinking,
			FinishReason: turn.FinishReason,
			Usage:        turn.Usage,
		}
		if !Send(ctx, respCh, final) {
			errCh <- ctx.Err()
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
