// Package config loads agentloop settings from YAML files and provider
// credentials from the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/provider"
	"github.com/hupe1980/agentloop/retry"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Load when the file does not exist.
var ErrNotFound = errors.New("config not found")

// Config is the file representation of an execution setup.
type Config struct {
	Model         model.Config  `yaml:"model"`
	MaxIterations int           `yaml:"max_iterations"`
	SystemPrompt  string        `yaml:"system_prompt"`
	Retry         RetryConfig   `yaml:"retry"`
	Logging       LoggingConfig `yaml:"logging"`
}

// RetryConfig overrides retry.DefaultPolicy. Zero values keep the default.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      *float64      `yaml:"jitter"`
}

// LoggingConfig selects the log level (debug, info, warn, error) and the
// format (json or text).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		MaxIterations: 10,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads, expands and validates a YAML config file. Environment
// references such as ${OPENAI_MODEL} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates YAML config data. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the model selection and the numeric bounds.
func (c *Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.MaxIterations < 0 {
		return core.NewConfigurationError(string(c.Model.Provider), "max_iterations must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return core.NewConfigurationError(string(c.Model.Provider), "retry.max_attempts must not be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return core.NewConfigurationError(string(c.Model.Provider), "retry delays must not be negative")
	}
	if c.Retry.Jitter != nil && (*c.Retry.Jitter < 0 || *c.Retry.Jitter >= 1) {
		return core.NewConfigurationError(string(c.Model.Provider), "retry.jitter must be in [0, 1)")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return core.NewConfigurationError("", "unsupported log format %q", c.Logging.Format)
	}

	return nil
}

// RetryPolicy returns retry.DefaultPolicy with the configured overrides.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay > 0 {
		p.BaseDelay = c.Retry.BaseDelay
	}
	if c.Retry.MaxDelay > 0 {
		p.MaxDelay = c.Retry.MaxDelay
	}
	if c.Retry.Jitter != nil {
		p.Jitter = *c.Retry.Jitter
	}
	return p
}

// Logger builds the configured structured logger.
func (c *Config) Logger() *logging.RunLogger {
	return logging.NewSlogLogger(logging.ParseLevel(c.Logging.Level), strings.ToLower(c.Logging.Format), false)
}

// Environment variables read by CredentialsFromEnv.
const (
	EnvOpenAI     = "OPENAI_API_KEY"
	EnvAnthropic  = "ANTHROPIC_API_KEY"
	EnvGemini     = "GEMINI_API_KEY"
	EnvGoogle     = "GOOGLE_API_KEY"
	EnvOpenRouter = "OPENROUTER_API_KEY"
	EnvBedrock    = "AWS_BEDROCK_CREDENTIALS"
)

// CredentialsFromEnv collects provider credentials from the process
// environment. Providers without a variable are omitted.
func CredentialsFromEnv() provider.Credentials {
	return credentialsFrom(os.Getenv)
}

func credentialsFrom(getenv func(string) string) provider.Credentials {
	creds := provider.Credentials{}

	set := func(kind model.ProviderKind, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				creds[kind] = v
				return
			}
		}
	}

	set(model.ProviderOpenAI, EnvOpenAI)
	set(model.ProviderAnthropic, EnvAnthropic)
	set(model.ProviderGoogle, EnvGemini, EnvGoogle)
	set(model.ProviderOpenRouter, EnvOpenRouter)
	set(model.ProviderBedrock, EnvBedrock)

	return creds
}
