// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions API (including streaming + tool calling). It adapts
// agentloop's normalized Request/Response structures into the SDK's message
// format and back. OpenAI-compatible endpoints are reached by setting
// Options.BaseURL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete tool calls when the stream ends.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI model adapter.
type Options struct {
	Model string
	// Temperature is left to the provider default when nil.
	Temperature *float64
	// MaxCompletionTokens is left to the provider default when 0.
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
	// Provider is reported by Info and used in error classification.
	Provider string
	// RequestOptions are applied to every API call.
	RequestOptions []option.RequestOption
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client. Without an
// explicit APIKey the client reads OPENAI_API_KEY.
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

	client := openai.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:    openai.ChatModelGPT4oMini,
		Provider: string(model.ProviderOpenAI),
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req, buildMessages(req))

		var err error
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

// buildMessages converts the normalized history into OpenAI chat messages.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)

	if sys := req.SystemPrompt(true); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case core.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Text(), msg.ToolCallID))
		case core.RoleAI:
			messages = append(messages, assistantMessage(msg))
		default:
			messages = append(messages, userMessage(msg))
		}
	}

	return messages
}

func userMessage(msg core.Message) openai.ChatCompletionMessageParamUnion {
	images := msg.Images()
	if len(images) == 0 {
		return openai.UserMessage(msg.Text())
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch v := p.(type) {
		case core.TextPart:
			parts = append(parts, openai.TextContentPart(v.Text))
		case core.ImagePart:
			url := v.URL
			if v.IsInline() {
				url = model.DataURL(v.Data, v.MimeType)
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		}
	}

	return openai.UserMessage(parts)
}

func assistantMessage(msg core.Message) openai.ChatCompletionMessageParamUnion {
	text := msg.Text()
	if !msg.HasToolCalls() {
		return openai.AssistantMessage(text)
	}

	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args, err := json.Marshal(tc.Args)
		if err != nil || tc.Args == nil {
			args = []byte("{}")
		}
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: string(args),
			},
		})
	}

	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if text != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    m.opts.Model,
	}
	if m.opts.Temperature != nil {
		params.Temperature = openai.Float(*m.opts.Temperature)
	}
	if m.opts.MaxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(m.opts.MaxCompletionTokens)
	}
	if req.JSONMode {
		obj := shared.NewResponseFormatJSONObjectParam()
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &obj}
	}
	if req.Stream {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}

	if len(req.Tools) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  tdef.Parameters,
			},
		}
	}
	params.Tools = tools

	return params
}

// handleStreaming processes streaming responses and forwards partial / final events.
func (m *Model) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
) error {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params, m.opts.RequestOptions...)
	defer stream.Close()

	var (
		textBuilder     strings.Builder
		thinkingBuilder strings.Builder
		finishReason    string
		usage           *core.TokenUsage
		id              string
	)

	toolAgg := map[int64]*aggCall{}

	for stream.Next() {
		ck := stream.Current()
		if ck.ID != "" {
			id = ck.ID
		}
		if ck.Usage.TotalTokens > 0 {
			usage = &core.TokenUsage{
				InputTokens:  int(ck.Usage.PromptTokens),
				OutputTokens: int(ck.Usage.CompletionTokens),
				TotalTokens:  int(ck.Usage.TotalTokens),
			}
		}

		for _, ch := range ck.Choices {
			if reasoning := extraText(ch.Delta.JSON.ExtraFields); reasoning != "" {
				thinkingBuilder.WriteString(reasoning)
				if !model.Send(ctx, out, model.Response{ID: id, Partial: true, Thinking: reasoning}) {
					return ctx.Err()
				}
			}

			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				if !model.Send(ctx, out, model.Response{
					ID:      id,
					Partial: true,
					Message: core.Message{Role: core.RoleAI, Parts: []core.Part{core.TextPart{Text: ch.Delta.Content}}},
				}) {
					return ctx.Err()
				}
			}

			aggregateToolCalls(ch, toolAgg)

			if ch.FinishReason != "" {
				finishReason = ch.FinishReason
			}
		}
	}

	if err := stream.Err(); err != nil {
		return err
	}

	final := model.Response{
		ID:           id,
		Message:      core.NewAIMessage(textBuilder.String(), orderedCalls(toolAgg)...),
		Thinking:     thinkingBuilder.String(),
		FinishReason: MapFinishReason(finishReason),
		Usage:        usage,
	}
	if !model.Send(ctx, out, final) {
		return ctx.Err()
	}

	return nil
}

func aggregateToolCalls(ch openai.ChatCompletionChunkChoice, agg map[int64]*aggCall) {
	for _, tc := range ch.Delta.ToolCalls {
		ac, ok := agg[tc.Index]
		if !ok {
			ac = &aggCall{}
			agg[tc.Index] = ac
		}
		if tc.ID != "" {
			ac.id = tc.ID
		}
		if tc.Function.Name != "" {
			ac.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			ac.args += tc.Function.Arguments
		}
	}
}

func orderedCalls(agg map[int64]*aggCall) []core.ToolCall {
	idx := make([]int64, 0, len(agg))
	for i := range agg {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	calls := make([]core.ToolCall, 0, len(idx))
	for _, i := range idx {
		ac := agg[i]
		calls = append(calls, core.ToolCall{ID: ac.id, Name: ac.name, Args: model.ParseToolArgs(ac.args)})
	}
	return calls
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (m *Model) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
) error {
	resp, err := m.client.Chat.Completions.New(ctx, params, m.opts.RequestOptions...)
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("no choices returned")
	}

	ch0 := resp.Choices[0]

	calls := make([]core.ToolCall, 0, len(ch0.Message.ToolCalls))
	for _, tc := range ch0.Message.ToolCalls {
		calls = append(calls, core.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: model.ParseToolArgs(tc.Function.Arguments),
		})
	}

	final := model.Response{
		ID:           resp.ID,
		Message:      core.NewAIMessage(ch0.Message.Content, calls...),
		Thinking:     extraText(ch0.Message.JSON.ExtraFields),
		FinishReason: MapFinishReason(ch0.FinishReason),
		Usage: &core.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if !model.Send(ctx, out, final) {
		return ctx.Err()
	}

	return nil
}

// MapFinishReason normalizes Chat Completions finish reasons.
func MapFinishReason(reason string) core.FinishReason {
	switch strings.ToLower(reason) {
	case "stop":
		return core.FinishReasonStop
	case "tool_calls", "function_call":
		return core.FinishReasonToolCalls
	case "length":
		return core.FinishReasonLength
	case "content_filter":
		return core.FinishReasonContentFilter
	case "":
		return ""
	default:
		return core.FinishReasonUnknown
	}
}

type rawField interface{ Raw() string }

// extraText returns reasoning content some compatible providers attach as
// non-standard "reasoning" / "reasoning_content" fields.
func extraText[F rawField](fields map[string]F) string {
	for _, key := range []string{"reasoning_content", "reasoning"} {
		field, ok := fields[key]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(field.Raw())
		if raw == "" || raw == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			return s
		}
	}
	return ""
}

func (m *Model) wrapError(err error) error {
	status := 0
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return model.WrapError(m.opts.Provider, m.opts.Model, status, err)
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:              m.opts.Model,
		Provider:          m.opts.Provider,
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}
