// Package anthropic provides a model wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key).
type Options struct {
	Model anthropic.Model
	// Temperature is left to the provider default when nil.
	Temperature *float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{
		client: client,
		opts:   opts,
	}
}

func defaultOptions() Options {
	return Options{
		Model:     anthropic.Model("claude-3-5-sonnet-20241022"),
		MaxTokens: 4096,
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		messages, err := buildMessages(ctx, req.Messages)
		if err != nil {
			errCh <- m.wrapError(err)
			return
		}

		params := anthropic.MessageNewParams{
			Model:     m.opts.Model,
			Messages:  messages,
			MaxTokens: m.opts.MaxTokens,
		}
		if m.opts.Temperature != nil {
			params.Temperature = anthropic.Float(*m.opts.Temperature)
		}
		if sys := req.SystemPrompt(false); sys != "" {
			params.System = []anthropic.TextBlockParam{{Text: sys}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		if req.Stream {
			err = m.handleStreaming(ctx, params, out)
		} else {
			err = m.handleNonStreaming(ctx, params, out)
		}
		if err != nil {
			errCh <- m.wrapError(err)
		}
	}()

	return out, errCh
}

func (m *Model) handleNonStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) error {
	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return err
	}

	if !model.Send(ctx, out, toResponse(resp)) {
		return ctx.Err()
	}

	return nil
}

func (m *Model) handleStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) error {
	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return err
		}

		variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		var partial model.Response
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text == "" {
				continue
			}
			partial = model.Response{
				ID:      msg.ID,
				Partial: true,
				Message: core.Message{Role: core.RoleAI, Parts: []core.Part{core.TextPart{Text: delta.Text}}},
			}
		case anthropic.ThinkingDelta:
			if delta.Thinking == "" {
				continue
			}
			partial = model.Response{ID: msg.ID, Partial: true, Thinking: delta.Thinking}
		default:
			continue
		}

		if !model.Send(ctx, out, partial) {
			return ctx.Err()
		}
	}

	if err := stream.Err(); err != nil {
		return err
	}

	if !model.Send(ctx, out, toResponse(&msg)) {
		return ctx.Err()
	}

	return nil
}

// toResponse converts a complete Anthropic message into a final response.
func toResponse(msg *anthropic.Message) model.Response {
	var (
		text     strings.Builder
		thinking strings.Builder
		calls    []core.ToolCall
	)

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ThinkingBlock:
			thinking.WriteString(variant.Thinking)
		case anthropic.ToolUseBlock:
			calls = append(calls, core.ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: model.ParseToolArgs(string(variant.Input)),
			})
		}
	}

	return model.Response{
		ID:           msg.ID,
		Message:      core.NewAIMessage(text.String(), calls...),
		Thinking:     thinking.String(),
		FinishReason: MapStopReason(msg.StopReason),
		Usage: &core.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

// MapStopReason normalizes Anthropic stop reasons.
func MapStopReason(reason anthropic.StopReason) core.FinishReason {
	switch strings.ToLower(string(reason)) {
	case "tool_use":
		return core.FinishReasonToolCalls
	case "end_turn", "stop_sequence", "pause_turn":
		return core.FinishReasonStop
	case "max_tokens":
		return core.FinishReasonLength
	case "refusal":
		return core.FinishReasonContentFilter
	case "":
		return ""
	default:
		return core.FinishReasonUnknown
	}
}

// buildMessages converts the normalized history to Anthropic messages.
// Tool results travel as tool_result blocks inside user turns, and
// consecutive messages of the same role are merged since the API requires
// strictly alternating turns.
func buildMessages(ctx context.Context, history []core.Message) ([]anthropic.MessageParam, error) {
	var messages []anthropic.MessageParam

	appendBlocks := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			return
		}
		messages = append(messages, anthropic.NewUserMessage(blocks...))
	}

	for _, msg := range history {
		switch msg.Role {
		case core.RoleTool:
			appendBlocks(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), strings.HasPrefix(msg.Text(), "Error:")),
			})
		case core.RoleAI:
			appendBlocks(anthropic.MessageParamRoleAssistant, buildAssistantContent(msg))
		default:
			blocks, err := buildUserContent(ctx, msg)
			if err != nil {
				return nil, err
			}
			appendBlocks(anthropic.MessageParamRoleUser, blocks)
		}
	}

	return messages, nil
}

// buildUserContent builds text and base64 image blocks for user messages.
func buildUserContent(ctx context.Context, msg core.Message) ([]anthropic.ContentBlockParamUnion, error) {
	var content []anthropic.ContentBlockParamUnion

	for _, p := range msg.Parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				content = append(content, anthropic.NewTextBlock(part.Text))
			}
		case core.ImagePart:
			data, mimeType, err := model.ResolveImage(ctx, part)
			if err != nil {
				return nil, &core.ProviderError{Reason: core.ReasonInvalidRequest, Provider: string(model.ProviderAnthropic), Cause: err}
			}
			content = append(content, anthropic.NewImageBlockBase64(mimeType, base64.StdEncoding.EncodeToString(data)))
		}
	}

	return content, nil
}

// buildAssistantContent builds text and tool_use blocks for assistant messages.
func buildAssistantContent(msg core.Message) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion

	if text := msg.Text(); text != "" {
		content = append(content, anthropic.NewTextBlock(text))
	}

	for _, tc := range msg.ToolCalls {
		var input any = map[string]any{}
		if tc.Args != nil {
			input = tc.Args
		}
		content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}

	return content
}

// buildTools converts tool definitions to Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if params := tool.Parameters; params != nil {
			if properties, exists := params["properties"]; exists {
				inputSchema.Properties = properties
			}
			inputSchema.Required = requiredFields(params["required"])
		}

		anthropicTools[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if tool.Description != "" && anthropicTools[i].OfTool != nil {
			anthropicTools[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}

	return anthropicTools
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (m *Model) wrapError(err error) error {
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return model.WrapError(string(model.ProviderAnthropic), string(m.opts.Model), status, err)
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:              string(m.opts.Model),
		Provider:          string(model.ProviderAnthropic),
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}
