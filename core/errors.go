package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorReason classifies a provider failure.
type ErrorReason string

const (
	ReasonRateLimit      ErrorReason = "rate_limit"
	ReasonTimeout        ErrorReason = "timeout"
	ReasonServerError    ErrorReason = "server_error"
	ReasonAuth           ErrorReason = "auth"
	ReasonInvalidRequest ErrorReason = "invalid_request"
	ReasonUnknown        ErrorReason = "unknown"
)

// ConfigurationError reports a missing or unsupported provider, credential or
// setting. It is raised before any network call and never retried.
type ConfigurationError struct {
	Provider string
	Msg      string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error (%s): %s", e.Provider, e.Msg)
}

// NewConfigurationError is a convenience constructor.
func NewConfigurationError(provider, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Provider: provider, Msg: fmt.Sprintf(format, args...)}
}

// ProviderError is a normalized model provider failure.
type ProviderError struct {
	Reason   ErrorReason
	Provider string
	Model    string
	Status   int
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Provider, e.Model, e.Reason)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Transient reports whether another attempt may succeed.
func (e *ProviderError) Transient() bool {
	switch e.Reason {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError, ReasonUnknown:
		return true
	default:
		return false
	}
}

// ContentPolicyReason distinguishes the two terminal finish conditions.
type ContentPolicyReason string

const (
	ContentPolicySafety ContentPolicyReason = "safety"
	ContentPolicyLength ContentPolicyReason = "length"
)

// ContentPolicyError reports a safety block or a truncated response. It is
// surfaced in the run result and never retried at the model layer.
type ContentPolicyError struct {
	Reason ContentPolicyReason
	Msg    string
}

func (e *ContentPolicyError) Error() string { return e.Msg }

// NewSafetyError builds the content-block variant.
func NewSafetyError() *ContentPolicyError {
	return &ContentPolicyError{
		Reason: ContentPolicySafety,
		Msg:    "response blocked by the provider's content safety filter",
	}
}

// NewLengthError builds the truncation variant.
func NewLengthError() *ContentPolicyError {
	return &ContentPolicyError{
		Reason: ContentPolicyLength,
		Msg:    "response truncated at the token limit; increase max_tokens and retry",
	}
}

// ToolExecutionError wraps a failure raised by a tool. It is always contained
// in a tool result message.
type ToolExecutionError struct {
	Tool  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// ParsingError reports structured output that could not be parsed.
type ParsingError struct {
	Msg   string
	Cause error
}

func (e *ParsingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *ParsingError) Unwrap() error { return e.Cause }

// IterationLimitError is returned when the agent loop would exceed its bound.
type IterationLimitError struct {
	Max int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("exceeded max iterations: %d", e.Max)
}

// RetryExhaustedError wraps the last failure after all attempts were used.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// IsTransient reports whether err may succeed on another attempt.
// Configuration, content policy, parsing and cancellation errors are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		cfgErr    *ConfigurationError
		policyErr *ContentPolicyError
		parseErr  *ParsingError
		provErr   *ProviderError
	)

	switch {
	case errors.As(err, &cfgErr), errors.As(err, &policyErr), errors.As(err, &parseErr):
		return false
	case errors.As(err, &provErr):
		return provErr.Transient()
	default:
		return true
	}
}
