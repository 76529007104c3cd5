// Package core provides the foundational domain types shared by every other
// agentloop package:
//
//   - Messages (role-based conversation entries with ordered Parts)
//   - Tool calls and token usage accounting
//   - Streaming events and the sinks that receive them
//   - The typed error taxonomy used across model, tool and engine layers
//   - ToolContext (the scoped surface handed to tool implementations)
//
// The package keeps implementation concerns (providers, orchestration) out of
// scope and exposes small value types and interfaces so other layers can
// depend on it without import cycles.
package core
