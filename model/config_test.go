package model

import (
	"testing"

	"github.com/hupe1980/agentloop/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestConfig_Validate(t *testing.T) {
	valid := Config{Provider: ProviderOpenAI, Model: "gpt-4o"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown provider", Config{Provider: "acme", Model: "x"}},
		{"missing model", Config{Provider: ProviderAnthropic}},
		{"negative tokens", Config{Provider: ProviderOpenAI, Model: "x", MaxTokens: -1}},
		{"invalid fallback", Config{Provider: ProviderOpenAI, Model: "x", Fallback: &Config{Provider: "acme", Model: "y"}}},
		{"nested fallback", Config{
			Provider: ProviderOpenAI, Model: "x",
			Fallback: &Config{Provider: ProviderAnthropic, Model: "y", Fallback: &Config{Provider: ProviderGoogle, Model: "z"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			var cfgErr *core.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestParseProviderKind(t *testing.T) {
	k, err := ParseProviderKind(" OpenRouter ")
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenRouter, k)

	_, err = ParseProviderKind("acme")
	assert.Error(t, err)
	assert.Len(t, ProviderKinds(), 5)
}

func TestDeriveFallback_NoBackupIsIdentity(t *testing.T) {
	primary := Config{Provider: ProviderOpenAI, Model: "gpt-4o", Temperature: ptr(0.2), MaxTokens: 100, JSONMode: true}
	assert.Equal(t, primary, DeriveFallback(primary))
}

func TestDeriveFallback_UsesBackupAndInheritsUnset(t *testing.T) {
	primary := Config{
		Provider:    ProviderOpenAI,
		Model:       "gpt-4o",
		Temperature: ptr(0.2),
		MaxTokens:   100,
		MaxRetries:  5,
		JSONMode:    true,
		Fallback:    &Config{Provider: ProviderAnthropic, Model: "claude", MaxTokens: 300},
	}

	derived := DeriveFallback(primary)

	assert.Equal(t, ProviderAnthropic, derived.Provider)
	assert.Equal(t, "claude", derived.Model)
	assert.Equal(t, 300, derived.MaxTokens)
	assert.Equal(t, 5, derived.MaxRetries)
	require.NotNil(t, derived.Temperature)
	assert.Equal(t, 0.2, *derived.Temperature)
	assert.True(t, derived.JSONMode)
	assert.Nil(t, derived.Fallback)
	require.NoError(t, derived.Validate())

	// The derived config has no backup of its own.
	assert.Equal(t, derived, DeriveFallback(derived))
	// The primary is left untouched.
	assert.Equal(t, "gpt-4o", primary.Model)
	assert.NotNil(t, primary.Fallback)
}

func TestConfig_ValidatePartialFallback(t *testing.T) {
	cfg := Config{Provider: ProviderOpenAI, Model: "gpt-4o", Fallback: &Config{MaxTokens: 50}}
	require.NoError(t, cfg.Validate())

	cfg.Fallback = &Config{Provider: ProviderAnthropic, Model: "claude"}
	require.NoError(t, cfg.Validate())
}

func TestDeriveFallback_Inheritance(t *testing.T) {
	openaiRouting := &RoutingHints{BaseURL: "https://openai-proxy.internal/v1"}
	backupRouting := &RoutingHints{Region: "eu-central-1"}

	tests := []struct {
		name         string
		primary      Config
		wantProvider ProviderKind
		wantModel    string
		wantRouting  *RoutingHints
	}{
		{
			name:         "backup sets only max tokens",
			primary:      Config{Provider: ProviderOpenAI, Model: "gpt-4o", Routing: openaiRouting, Fallback: &Config{MaxTokens: 50}},
			wantProvider: ProviderOpenAI,
			wantModel:    "gpt-4o",
			wantRouting:  openaiRouting,
		},
		{
			name:         "backup sets only model",
			primary:      Config{Provider: ProviderOpenAI, Model: "gpt-4o", Routing: openaiRouting, Fallback: &Config{Model: "gpt-4o-mini"}},
			wantProvider: ProviderOpenAI,
			wantModel:    "gpt-4o-mini",
			wantRouting:  openaiRouting,
		},
		{
			name:         "cross provider drops primary routing",
			primary:      Config{Provider: ProviderOpenAI, Model: "gpt-4o", Routing: openaiRouting, Fallback: &Config{Provider: ProviderAnthropic, Model: "claude"}},
			wantProvider: ProviderAnthropic,
			wantModel:    "claude",
		},
		{
			name:         "backup routing wins",
			primary:      Config{Provider: ProviderOpenAI, Model: "gpt-4o", Routing: openaiRouting, Fallback: &Config{Provider: ProviderBedrock, Model: "nova", Routing: backupRouting}},
			wantProvider: ProviderBedrock,
			wantModel:    "nova",
			wantRouting:  backupRouting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			derived := DeriveFallback(tt.primary)

			assert.Equal(t, tt.wantProvider, derived.Provider)
			assert.Equal(t, tt.wantModel, derived.Model)
			assert.Equal(t, tt.wantRouting, derived.Routing)
			assert.Nil(t, derived.Fallback)
			assert.NoError(t, derived.Validate())
		})
	}
}
