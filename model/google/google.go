// Package google provides an implementation of model.Model backed by the
// Gemini API through google.golang.org/genai.
package google

import (
	"context"
	"errors"
	"iter"
	"math"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"google.golang.org/genai"
)

// Options configures the Gemini model adapter.
type Options struct {
	Model string
	// Temperature is left to the provider default when nil.
	Temperature     *float64
	MaxOutputTokens int
	APIKey          string
	BaseURL         string
}

// Model wraps the Gemini GenerateContent API behind model.Model.
type Model struct {
	client *genai.Client
	opts   Options
}

// NewModel creates a Gemini model. It fails when the client cannot be
// constructed (for instance without an API key).
func NewModel(optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, core.NewConfigurationError(string(model.ProviderGoogle), "create client: %v", err)
	}

	return &Model{client: client, opts: opts}, nil
}

// NewModelFromClient creates a Gemini model from an existing client.
func NewModelFromClient(client *genai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{Model: "gemini-2.0-flash"}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		contents, err := buildContents(ctx, req.Messages)
		if err != nil {
			errCh <- m.wrapError(err)
			return
		}

		config := m.buildConfig(req)

		if req.Stream {
			err = m.handleStreaming(ctx, m.client.Models.GenerateContentStream(ctx, m.opts.Model, contents, config), out)
		} else {
			err = m.handleNonStreaming(ctx, contents, config, out)
		}
		if err != nil {
			errCh <- m.wrapError(err)
		}
	}()

	return out, errCh
}

func (m *Model) buildConfig(req model.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if sys := req.SystemPrompt(true); sys != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sys}}}
	}
	if m.opts.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*m.opts.Temperature))
	}
	if m.opts.MaxOutputTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(m.opts.MaxOutputTokens, math.MaxInt32))
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}
	if len(req.Tools) > 0 {
		config.Tools = buildTools(req.Tools)
	}

	return config
}

// accumulator merges candidate chunks into one final response.
type accumulator struct {
	text         strings.Builder
	thinking     strings.Builder
	calls        []core.ToolCall
	finishReason core.FinishReason
	usage        *core.TokenUsage
}

// add folds resp into the accumulator and returns the partial chunks it produced.
func (a *accumulator) add(resp *genai.GenerateContentResponse) []model.Response {
	if resp == nil {
		return nil
	}
	if u := resp.UsageMetadata; u != nil {
		a.usage = &core.TokenUsage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}

	var partials []model.Response

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			a.finishReason = core.FinishReasonContentFilter
		}
		return nil
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason != "" {
		a.finishReason = MapFinishReason(candidate.FinishReason)
	}
	if candidate.Content == nil {
		return nil
	}

	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.FunctionCall != nil:
			a.calls = append(a.calls, core.ToolCall{
				ID:   core.NewID(),
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		case part.Thought && part.Text != "":
			a.thinking.WriteString(part.Text)
			partials = append(partials, model.Response{Partial: true, Thinking: part.Text})
		case part.Text != "":
			a.text.WriteString(part.Text)
			partials = append(partials, model.Response{
				Partial: true,
				Message: core.Message{Role: core.RoleAI, Parts: []core.Part{core.TextPart{Text: part.Text}}},
			})
		}
	}

	return partials
}

func (a *accumulator) final() model.Response {
	finish := a.finishReason
	if len(a.calls) > 0 && (finish == "" || finish == core.FinishReasonStop) {
		finish = core.FinishReasonToolCalls
	}
	return model.Response{
		Message:      core.NewAIMessage(a.text.String(), a.calls...),
		Thinking:     a.thinking.String(),
		FinishReason: finish,
		Usage:        a.usage,
	}
}

func (m *Model) handleNonStreaming(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, out chan<- model.Response) error {
	resp, err := m.client.Models.GenerateContent(ctx, m.opts.Model, contents, config)
	if err != nil {
		return err
	}

	acc := &accumulator{}
	acc.add(resp)

	if !model.Send(ctx, out, acc.final()) {
		return ctx.Err()
	}

	return nil
}

func (m *Model) handleStreaming(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], out chan<- model.Response) error {
	acc := &accumulator{}

	for resp, err := range stream {
		if err != nil {
			return err
		}
		for _, partial := range acc.add(resp) {
			if !model.Send(ctx, out, partial) {
				return ctx.Err()
			}
		}
	}

	if !model.Send(ctx, out, acc.final()) {
		return ctx.Err()
	}

	return nil
}

// MapFinishReason normalizes Gemini finish reasons.
func MapFinishReason(reason genai.FinishReason) core.FinishReason {
	switch strings.ToUpper(string(reason)) {
	case "STOP":
		return core.FinishReasonStop
	case "MAX_TOKENS":
		return core.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return core.FinishReasonContentFilter
	case "", "FINISH_REASON_UNSPECIFIED":
		return ""
	default:
		return core.FinishReasonUnknown
	}
}

// buildContents converts the normalized history into Gemini contents.
// Function responses are sent from the user side, and consecutive entries of
// the same role are merged.
func buildContents(ctx context.Context, history []core.Message) ([]*genai.Content, error) {
	var contents []*genai.Content

	appendParts := func(role string, parts []*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range history {
		switch msg.Role {
		case core.RoleTool:
			appendParts(genai.RoleUser, []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.Name,
					Response: map[string]any{"output": msg.Text()},
				},
			}})
		case core.RoleAI:
			var parts []*genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Args}})
			}
			appendParts(genai.RoleModel, parts)
		default:
			var parts []*genai.Part
			for _, p := range msg.Parts {
				switch v := p.(type) {
				case core.TextPart:
					if v.Text != "" {
						parts = append(parts, &genai.Part{Text: v.Text})
					}
				case core.ImagePart:
					data, mimeType, err := model.ResolveImage(ctx, v)
					if err != nil {
						return nil, &core.ProviderError{Reason: core.ReasonInvalidRequest, Provider: string(model.ProviderGoogle), Cause: err}
					}
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}})
				}
			}
			appendParts(genai.RoleUser, parts)
		}
	}

	return contents, nil
}

// buildTools converts tool definitions to Gemini function declarations.
func buildTools(tools []model.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  ToSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// ToSchema converts a JSON Schema map to Gemini's Schema type.
func ToSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	for _, e := range toStrings(schemaMap["enum"]) {
		schema.Enum = append(schema.Enum, e)
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToSchema(propMap)
			}
		}
	}
	schema.Required = toStrings(schemaMap["required"])
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToSchema(items)
	}

	return schema
}

func toStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			if s, ok := e.(string); ok {
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
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	return model.WrapError(string(model.ProviderGoogle), m.opts.Model, status, err)
}

// Info returns metadata describing this Gemini model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:              m.opts.Model,
		Provider:          string(model.ProviderGoogle),
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}
