package model

import (
	"context"
	"errors"

	"github.com/hupe1980/agentloop/core"
)

// ErrNoResponse is returned when a model closes its channels without a final response.
var ErrNoResponse = errors.New("model returned no final response")

// Invoke performs a plain (non-streaming) generation and returns the final
// response. Its Message is a normalized AI message with usage and finish
// reason attached.
func Invoke(ctx context.Context, m Model, req Request) (Response, error) {
	req.Stream = false
	return collect(ctx, m, req, nil)
}

// Stream performs a streaming generation. onChunk receives every partial
// response in order; the normalized final response is returned.
func Stream(ctx context.Context, m Model, req Request, onChunk func(Response)) (Response, error) {
	req.Stream = true
	return collect(ctx, m, req, onChunk)
}

func collect(ctx context.Context, m Model, req Request, onChunk func(Response)) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var final *Response

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Partial {
				if onChunk != nil {
					onChunk(r)
				}
				continue
			}
			rr := r
			final = &rr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}

	if final == nil {
		return Response{}, ErrNoResponse
	}

	msg := final.Message
	msg.Role = core.RoleAI
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	msg.Usage = final.Usage
	msg.FinishReason = final.FinishReason
	if msg.FinishReason == "" {
		msg.FinishReason = core.FinishReasonStop
		if msg.HasToolCalls() {
			msg.FinishReason = core.FinishReasonToolCalls
		}
	}

	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = core.NewID()
		}
	}

	final.Message = msg
	final.FinishReason = msg.FinishReason

	return *final, nil
}

// boundModel always sends a fixed set of tool definitions.
type boundModel struct {
	Model
	tools []ToolDefinition
}

// BindTools returns a Model that sends defs with every request that does not
// already carry tool definitions. Binding tools to a model that cannot call
// them is a configuration error.
func BindTools(m Model, defs []ToolDefinition) (Model, error) {
	if len(defs) == 0 {
		return m, nil
	}
	info := m.Info()
	if !info.SupportsTools {
		return nil, core.NewConfigurationError(info.Provider, "model %q does not support tool calling", info.Name)
	}
	return &boundModel{Model: m, tools: defs}, nil
}

// Generate implements Model.
func (b *boundModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	if len(req.Tools) == 0 {
		req.Tools = b.tools
	}
	return b.Model.Generate(ctx, req)
}
