// Package provider constructs model adapters from a model.Config. The set of
// supported providers is closed and keyed on model.ProviderKind.
package provider

import (
	"context"
	"strings"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/anthropic"
	"github.com/hupe1980/agentloop/model/bedrock"
	"github.com/hupe1980/agentloop/model/google"
	"github.com/hupe1980/agentloop/model/openai"
	"github.com/hupe1980/agentloop/model/openrouter"
)

// BedrockDefaultChain selects the AWS default credential chain instead of
// static keys.
const BedrockDefaultChain = "default"

// Credentials maps a provider to its secret. For Bedrock the value is
// "ACCESS_KEY_ID:SECRET_ACCESS_KEY[:SESSION_TOKEN]" or BedrockDefaultChain.
type Credentials map[model.ProviderKind]string

// Factory builds a model for one configuration.
type Factory func(ctx context.Context, cfg model.Config, creds Credentials) (model.Model, error)

// Kinds lists the provider kinds New can construct.
func Kinds() []model.ProviderKind {
	return model.ProviderKinds()
}

// New builds the adapter for cfg. Configuration problems such as an unknown
// provider or a missing credential are reported as *core.ConfigurationError
// before any network traffic.
func New(ctx context.Context, cfg model.Config, creds Credentials) (model.Model, error) {
	if !cfg.Provider.Valid() {
		return nil, core.NewConfigurationError(string(cfg.Provider), "unknown provider %q", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, core.NewConfigurationError(string(cfg.Provider), "model name is required")
	}

	secret := strings.TrimSpace(creds[cfg.Provider])
	if secret == "" {
		return nil, core.NewConfigurationError(string(cfg.Provider), "no credential configured for provider %s", cfg.Provider)
	}

	routing := model.RoutingHints{}
	if cfg.Routing != nil {
		routing = *cfg.Routing
	}

	switch cfg.Provider {
	case model.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			o.Model = cfg.Model
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = int64(cfg.MaxTokens)
			o.APIKey = secret
			o.BaseURL = routing.BaseURL
		}), nil

	case model.ProviderOpenRouter:
		return openrouter.NewModel(func(o *openrouter.Options) {
			o.Model = cfg.Model
			o.Temperature = cfg.Temperature
			o.MaxTokens = int64(cfg.MaxTokens)
			o.APIKey = secret
			if routing.BaseURL != "" {
				o.BaseURL = routing.BaseURL
			}
			o.Order = routing.Order
			o.AllowFallbacks = routing.AllowFallbacks
		}), nil

	case model.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = sdkanthropic.Model(cfg.Model)
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.MaxTokens)
			}
			o.APIKey = secret
			o.BaseURL = routing.BaseURL
		}), nil

	case model.ProviderGoogle:
		m, err := google.NewModel(func(o *google.Options) {
			o.Model = cfg.Model
			o.Temperature = cfg.Temperature
			o.MaxOutputTokens = cfg.MaxTokens
			o.APIKey = secret
			o.BaseURL = routing.BaseURL
		})
		if err != nil {
			return nil, err
		}
		return m, nil

	case model.ProviderBedrock:
		ak, sk, token, err := ParseBedrockCredential(secret)
		if err != nil {
			return nil, err
		}
		m, err := bedrock.NewModel(ctx, func(o *bedrock.Options) {
			o.Model = cfg.Model
			o.Temperature = cfg.Temperature
			o.MaxTokens = cfg.MaxTokens
			if routing.Region != "" {
				o.Region = routing.Region
			}
			o.AccessKeyID = ak
			o.SecretAccessKey = sk
			o.SessionToken = token
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	return nil, core.NewConfigurationError(string(cfg.Provider), "unsupported provider %q", cfg.Provider)
}

// ParseBedrockCredential splits a Bedrock credential string. The literal
// BedrockDefaultChain yields empty keys.
func ParseBedrockCredential(secret string) (accessKeyID, secretAccessKey, sessionToken string, err error) {
	if secret == BedrockDefaultChain {
		return "", "", "", nil
	}

	parts := strings.SplitN(secret, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", core.NewConfigurationError(string(model.ProviderBedrock),
			"credential must be ACCESS_KEY_ID:SECRET_ACCESS_KEY[:SESSION_TOKEN] or %q", BedrockDefaultChain)
	}

	if len(parts) == 3 {
		sessionToken = parts[2]
	}

	return parts[0], parts[1], sessionToken, nil
}
