package model

import (
	"fmt"
	"strings"

	"github.com/hupe1980/agentloop/core"
)

// ProviderKind identifies one of the supported model vendors.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderGoogle     ProviderKind = "google"
	ProviderBedrock    ProviderKind = "bedrock"
	ProviderOpenRouter ProviderKind = "openrouter"
)

// ProviderKinds lists every supported provider.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderBedrock, ProviderOpenRouter}
}

// ParseProviderKind maps a case-insensitive name to a ProviderKind.
func ParseProviderKind(s string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", core.NewConfigurationError(s, "unsupported provider")
	}
	return k, nil
}

// Valid reports whether k is a supported provider.
func (k ProviderKind) Valid() bool {
	for _, p := range ProviderKinds() {
		if p == k {
			return true
		}
	}
	return false
}

// RoutingHints carries provider routing preferences. Aggregators
// (OpenRouter) forward Order and AllowFallbacks; Region selects the AWS
// region for Bedrock; BaseURL overrides the API endpoint.
type RoutingHints struct {
	Order          []string `json:"order,omitempty" yaml:"order,omitempty"`
	AllowFallbacks *bool    `json:"allow_fallbacks,omitempty" yaml:"allow_fallbacks,omitempty"`
	Region         string   `json:"region,omitempty" yaml:"region,omitempty"`
	BaseURL        string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// Config selects and parameterizes a model. Fallback optionally names one
// backup model; chains deeper than one level are rejected by Validate.
type Config struct {
	Provider    ProviderKind  `json:"provider" yaml:"provider"`
	Model       string        `json:"model" yaml:"model"`
	Temperature *float64      `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxRetries  int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	JSONMode    bool          `json:"json_mode,omitempty" yaml:"json_mode,omitempty"`
	Routing     *RoutingHints `json:"routing,omitempty" yaml:"routing,omitempty"`
	Fallback    *Config       `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// String returns "provider/model".
func (c Config) String() string {
	return fmt.Sprintf("%s/%s", c.Provider, c.Model)
}

// Validate checks the provider, model name and fallback depth.
func (c Config) Validate() error {
	if err := c.validateSelf(); err != nil {
		return err
	}
	if c.Fallback == nil {
		return nil
	}
	if c.Fallback.Fallback != nil {
		return core.NewConfigurationError(string(c.Provider), "fallback model must not declare its own fallback")
	}
	// Unset backup fields are inherited, so the backup is checked in its
	// derived form.
	if err := DeriveFallback(c).validateSelf(); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	return nil
}

func (c Config) validateSelf() error {
	if !c.Provider.Valid() {
		return core.NewConfigurationError(string(c.Provider), "unsupported provider")
	}
	if strings.TrimSpace(c.Model) == "" {
		return core.NewConfigurationError(string(c.Provider), "model name is required")
	}
	if c.MaxTokens < 0 {
		return core.NewConfigurationError(string(c.Provider), "max_tokens must not be negative")
	}
	if c.MaxRetries < 0 {
		return core.NewConfigurationError(string(c.Provider), "max_retries must not be negative")
	}
	return nil
}

// DeriveFallback returns the configuration used when the primary execution
// fails. Without a Fallback the primary is returned unchanged. Otherwise
// every field comes from the backup when set and is inherited from the
// primary otherwise. Routing is only inherited while the provider stays the
// same. The result never carries a Fallback.
func DeriveFallback(primary Config) Config {
	if primary.Fallback == nil {
		return primary
	}

	backup := *primary.Fallback
	derived := Config{
		Provider:    backup.Provider,
		Model:       backup.Model,
		Temperature: backup.Temperature,
		MaxTokens:   backup.MaxTokens,
		MaxRetries:  backup.MaxRetries,
		JSONMode:    backup.JSONMode || primary.JSONMode,
		Routing:     backup.Routing,
	}

	if derived.Provider == "" {
		derived.Provider = primary.Provider
	}
	if strings.TrimSpace(derived.Model) == "" {
		derived.Model = primary.Model
	}
	if derived.Temperature == nil {
		derived.Temperature = primary.Temperature
	}
	if derived.MaxTokens == 0 {
		derived.MaxTokens = primary.MaxTokens
	}
	if derived.MaxRetries == 0 {
		derived.MaxRetries = primary.MaxRetries
	}
	if derived.Routing == nil && derived.Provider == primary.Provider {
		derived.Routing = primary.Routing
	}

	return derived
}
