// Package bedrock provides an implementation of model.Model backed by the
// AWS Bedrock Converse API.
package bedrock

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// ConverseAPI is the subset of the bedrockruntime client used by Model.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the Bedrock model adapter.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Region      string

	// Explicit credentials. The default AWS credential chain is used when
	// AccessKeyID is empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Model wraps the Bedrock Converse API behind model.Model.
type Model struct {
	client ConverseAPI
	opts   Options
}

// NewModel loads the AWS configuration and creates a Bedrock model.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, core.NewConfigurationError(string(model.ProviderBedrock), "load AWS config: %v", err)
	}

	return &Model{client: bedrockruntime.NewFromConfig(awsCfg), opts: opts}, nil
}

// NewModelFromClient creates a Bedrock model from an existing client.
func NewModelFromClient(client ConverseAPI, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:  "anthropic.claude-3-5-sonnet-20240620-v1:0",
		Region: "us-east-1",
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

		var system []types.SystemContentBlock
		if sys := req.SystemPrompt(false); sys != "" {
			system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: sys}}
		}

		var toolConfig *types.ToolConfiguration
		if len(req.Tools) > 0 {
			toolConfig = buildTools(req.Tools)
		}

		if req.Stream {
			err = m.handleStreaming(ctx, &bedrockruntime.ConverseStreamInput{
				ModelId:         aws.String(m.opts.Model),
				Messages:        messages,
				System:          system,
				InferenceConfig: m.inferenceConfig(),
				ToolConfig:      toolConfig,
			}, out)
		} else {
			err = m.handleNonStreaming(ctx, &bedrockruntime.ConverseInput{
				ModelId:         aws.String(m.opts.Model),
				Messages:        messages,
				System:          system,
				InferenceConfig: m.inferenceConfig(),
				ToolConfig:      toolConfig,
			}, out)
		}
		if err != nil {
			errCh <- m.wrapError(err)
		}
	}()

	return out, errCh
}

func (m *Model) inferenceConfig() *types.InferenceConfiguration {
	if m.opts.MaxTokens <= 0 && m.opts.Temperature == nil {
		return nil
	}

	cfg := &types.InferenceConfiguration{}
	if m.opts.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		cfg.MaxTokens = aws.Int32(int32(min(m.opts.MaxTokens, math.MaxInt32)))
	}
	if m.opts.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*m.opts.Temperature))
	}
	return cfg
}

func (m *Model) handleNonStreaming(ctx context.Context, input *bedrockruntime.ConverseInput, out chan<- model.Response) error {
	output, err := m.client.Converse(ctx, input)
	if err != nil {
		return err
	}

	resp := model.Response{
		FinishReason: MapStopReason(output.StopReason),
		Usage:        toUsage(output.Usage),
	}

	var (
		text     strings.Builder
		thinking strings.Builder
		calls    []core.ToolCall
	)

	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberReasoningContent:
				if rt, ok := b.Value.(*types.ReasoningContentBlockMemberReasoningText); ok {
					thinking.WriteString(aws.ToString(rt.Value.Text))
				}
			case *types.ContentBlockMemberToolUse:
				calls = append(calls, core.ToolCall{
					ID:   aws.ToString(b.Value.ToolUseId),
					Name: aws.ToString(b.Value.Name),
					Args: decodeDocument(b.Value.Input),
				})
			}
		}
	}

	resp.Message = core.NewAIMessage(text.String(), calls...)
	resp.Thinking = thinking.String()

	if !model.Send(ctx, out, resp) {
		return ctx.Err()
	}

	return nil
}

func (m *Model) handleStreaming(ctx context.Context, input *bedrockruntime.ConverseStreamInput, out chan<- model.Response) error {
	output, err := m.client.ConverseStream(ctx, input)
	if err != nil {
		return err
	}

	eventStream := output.GetStream()
	defer eventStream.Close()

	st := &streamState{}
	events := eventStream.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					return err
				}
				if !model.Send(ctx, out, st.final()) {
					return ctx.Err()
				}
				return nil
			}
			if !st.handle(ctx, event, out) {
				return ctx.Err()
			}
		}
	}
}

// streamState accumulates ConverseStream events into one final response.
type streamState struct {
	text         strings.Builder
	thinking     strings.Builder
	toolInput    strings.Builder
	current      *core.ToolCall
	calls        []core.ToolCall
	finishReason core.FinishReason
	usage        *core.TokenUsage
}

func (s *streamState) flushTool() {
	if s.current == nil {
		return
	}
	s.current.Args = model.ParseToolArgs(s.toolInput.String())
	s.calls = append(s.calls, *s.current)
	s.current = nil
	s.toolInput.Reset()
}

// handle folds event into the state. It returns false when a partial could
// not be delivered.
func (s *streamState) handle(ctx context.Context, event types.ConverseStreamOutput, out chan<- model.Response) bool {
	switch ev := event.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			s.flushTool()
			s.current = &core.ToolCall{
				ID:   aws.ToString(toolUse.Value.ToolUseId),
				Name: aws.ToString(toolUse.Value.Name),
			}
		}

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := ev.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return true
			}
			s.text.WriteString(delta.Value)
			return model.Send(ctx, out, model.Response{
				Partial: true,
				Message: core.Message{Role: core.RoleAI, Parts: []core.Part{core.TextPart{Text: delta.Value}}},
			})
		case *types.ContentBlockDeltaMemberReasoningContent:
			if rt, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && rt.Value != "" {
				s.thinking.WriteString(rt.Value)
				return model.Send(ctx, out, model.Response{Partial: true, Thinking: rt.Value})
			}
		case *types.ContentBlockDeltaMemberToolUse:
			if delta.Value.Input != nil {
				s.toolInput.WriteString(*delta.Value.Input)
			}
		}

	case *types.ConverseStreamOutputMemberContentBlockStop:
		s.flushTool()

	case *types.ConverseStreamOutputMemberMessageStop:
		s.finishReason = MapStopReason(ev.Value.StopReason)

	case *types.ConverseStreamOutputMemberMetadata:
		s.usage = toUsage(ev.Value.Usage)
	}

	return true
}

func (s *streamState) final() model.Response {
	s.flushTool()
	return model.Response{
		Message:      core.NewAIMessage(s.text.String(), s.calls...),
		Thinking:     s.thinking.String(),
		FinishReason: s.finishReason,
		Usage:        s.usage,
	}
}

// MapStopReason normalizes Bedrock stop reasons.
func MapStopReason(reason types.StopReason) core.FinishReason {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return core.FinishReasonStop
	case types.StopReasonToolUse:
		return core.FinishReasonToolCalls
	case types.StopReasonMaxTokens:
		return core.FinishReasonLength
	case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
		return core.FinishReasonContentFilter
	case "":
		return ""
	default:
		return core.FinishReasonUnknown
	}
}

func toUsage(u *types.TokenUsage) *core.TokenUsage {
	if u == nil {
		return nil
	}
	return &core.TokenUsage{
		InputTokens:  int(aws.ToInt32(u.InputTokens)),
		OutputTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
	}
}

func decodeDocument(doc document.Interface) map[string]any {
	args := map[string]any{}
	if doc == nil {
		return args
	}
	if err := doc.UnmarshalSmithyDocument(&args); err != nil {
		return map[string]any{}
	}
	return args
}

// buildMessages converts the normalized history into Converse messages.
// Tool results are sent from the user side, and consecutive messages of the
// same role are merged.
func buildMessages(ctx context.Context, history []core.Message) ([]types.Message, error) {
	var result []types.Message

	appendBlocks := func(role types.ConversationRole, blocks []types.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, types.Message{Role: role, Content: blocks})
	}

	for _, msg := range history {
		switch msg.Role {
		case core.RoleTool:
			appendBlocks(types.ConversationRoleUser, []types.ContentBlock{
				&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(msg.ToolCallID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Text()}},
					},
				},
			})
		case core.RoleAI:
			var blocks []types.ContentBlock
			if text := msg.Text(); text != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: text})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(args),
					},
				})
			}
			appendBlocks(types.ConversationRoleAssistant, blocks)
		default:
			var blocks []types.ContentBlock
			for _, p := range msg.Parts {
				switch v := p.(type) {
				case core.TextPart:
					if v.Text != "" {
						blocks = append(blocks, &types.ContentBlockMemberText{Value: v.Text})
					}
				case core.ImagePart:
					block, err := imageBlock(ctx, v)
					if err != nil {
						return nil, err
					}
					blocks = append(blocks, block)
				}
			}
			appendBlocks(types.ConversationRoleUser, blocks)
		}
	}

	return result, nil
}

func imageBlock(ctx context.Context, img core.ImagePart) (*types.ContentBlockMemberImage, error) {
	data, mimeType, err := model.ResolveImage(ctx, img)
	if err != nil {
		return nil, &core.ProviderError{Reason: core.ReasonInvalidRequest, Provider: string(model.ProviderBedrock), Cause: err}
	}

	format, ok := imageFormat(mimeType)
	if !ok {
		return nil, &core.ProviderError{
			Reason:   core.ReasonInvalidRequest,
			Provider: string(model.ProviderBedrock),
			Cause:    errors.New("unsupported image format: " + mimeType),
		}
	}

	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, nil
}

func imageFormat(mimeType string) (types.ImageFormat, bool) {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

// buildTools converts tool definitions to a Converse tool configuration.
func buildTools(tools []model.ToolDefinition) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema any = t.Parameters
		if t.Parameters == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func (m *Model) wrapError(err error) error {
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	return model.WrapError(string(model.ProviderBedrock), m.opts.Model, status, err)
}

// Info returns metadata describing this Bedrock model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:              m.opts.Model,
		Provider:          string(model.ProviderBedrock),
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}
