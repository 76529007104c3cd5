package model

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hupe1980/agentloop/core"
)

// WrapError normalizes a provider failure into the core error taxonomy.
// status is the HTTP status extracted from the vendor error (0 if unknown).
// Errors that are already typed and context errors are returned unchanged.
func WrapError(provider, modelName string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		cfgErr    *core.ConfigurationError
		provErr   *core.ProviderError
		policyErr *core.ContentPolicyError
		parseErr  *core.ParsingError
	)
	if errors.As(err, &cfgErr) || errors.As(err, &provErr) || errors.As(err, &policyErr) || errors.As(err, &parseErr) {
		return err
	}

	reason := ClassifyStatus(status)
	if reason == core.ReasonUnknown {
		reason = ClassifyMessage(err)
	}

	return &core.ProviderError{
		Reason:   reason,
		Provider: provider,
		Model:    modelName,
		Status:   status,
		Cause:    err,
	}
}

// ClassifyStatus returns an ErrorReason based on an HTTP status code.
func ClassifyStatus(status int) core.ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.ReasonAuth
	case status == http.StatusTooManyRequests:
		return core.ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return core.ReasonTimeout
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return core.ReasonInvalidRequest
	case status >= 500:
		return core.ReasonServerError
	default:
		return core.ReasonUnknown
	}
}

// ClassifyMessage inspects an error string for well known failure patterns.
func ClassifyMessage(err error) core.ErrorReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ReasonTimeout
	}

	s := strings.ToLower(err.Error())

	switch {
	case containsAny(s, "timeout", "deadline exceeded", "etimedout", "timed out"):
		return core.ReasonTimeout
	case containsAny(s, "rate limit", "rate_limit", "too many requests", "throttl", "429"):
		return core.ReasonRateLimit
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "access denied", "401", "403"):
		return core.ReasonAuth
	case containsAny(s, "internal server", "server error", "overloaded", "unavailable", "500", "502", "503", "504", "529"):
		return core.ReasonServerError
	case containsAny(s, "invalid_request", "validation", "bad request", "400"):
		return core.ReasonInvalidRequest
	default:
		return core.ReasonUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
