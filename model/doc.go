// Package model defines the provider-agnostic abstractions and helpers for
// interacting with language models inside agentloop.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Normalize tool call representation, finish reasons and token usage
//   - Normalize vendor failures into the core error taxonomy (WrapError)
//   - Describe provider selection and fallback declaratively (Config)
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, OpenRouter, Anthropic, Google, Bedrock) implement the
// Model interface in sub-packages so the engine remains decoupled from vendor
// SDKs; model/provider constructs them from a Config.
package model
