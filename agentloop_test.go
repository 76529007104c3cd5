package agentloop

import (
	"context"
	"testing"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/provider"
	"github.com/hupe1980/agentloop/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockFactory(seen *provider.Credentials, turns ...model.MockTurn) provider.Factory {
	return func(_ context.Context, cfg model.Config, creds provider.Credentials) (model.Model, error) {
		if seen != nil {
			*seen = creds
		}
		return model.NewMockModel(cfg.Model, string(cfg.Provider), turns...), nil
	}
}

func TestRun_MergesCredentials(t *testing.T) {
	var seen provider.Credentials

	loop := New(func(o *Options) {
		o.Factory = mockFactory(&seen, model.MockTurn{Text: "4"})
		o.Credentials = provider.Credentials{
			model.ProviderOpenAI:    "shared-openai",
			model.ProviderAnthropic: "shared-anthropic",
		}
	})

	res := loop.Run(context.Background(), Input{
		Message:     "2+2?",
		Model:       model.Config{Provider: model.ProviderOpenAI, Model: "gpt-4o-mini"},
		Credentials: provider.Credentials{model.ProviderOpenAI: "caller"},
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "4", res.Response)
	assert.Equal(t, "caller", seen[model.ProviderOpenAI])
	assert.Equal(t, "shared-anthropic", seen[model.ProviderAnthropic])
}

func TestRunCollect(t *testing.T) {
	echo := tool.NewFunctionTool("echo", "Echo", nil, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return "pong", nil
	})

	loop := New(func(o *Options) {
		o.Factory = mockFactory(nil,
			model.MockTurn{ToolCalls: []core.ToolCall{{ID: "c1", Name: "echo"}}},
			model.MockTurn{Text: "done"},
		)
		o.Tools = []tool.Tool{echo}
	})

	res, events := loop.RunCollect(context.Background(), Input{
		Message: "ping",
		Model:   model.Config{Provider: model.ProviderOpenAI, Model: "gpt-4o-mini"},
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "pong", res.ToolCalls[0].Output)

	require.NotEmpty(t, events)
	assert.Equal(t, core.EventLLMStart, events[0].Kind)
	assert.Equal(t, core.EventLLMComplete, events[len(events)-1].Kind)
}

func TestRun_PackageLevel(t *testing.T) {
	res := Run(context.Background(), Input{
		Message: "hi",
		Model:   model.Config{Provider: model.ProviderOpenAI, Model: "gpt-4o-mini"},
	}, func(o *Options) {
		o.Factory = mockFactory(nil, model.MockTurn{Text: "hello"})
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "hello", res.Response)
}

func TestRun_MissingCredentialFails(t *testing.T) {
	res := Run(context.Background(), Input{
		Message: "hi",
		Model:   model.Config{Provider: model.ProviderOpenAI, Model: "gpt-4o-mini"},
	})

	require.False(t, res.Success)
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, res.Err, &cfgErr)
}
