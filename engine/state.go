package engine

import "github.com/hupe1980/agentloop/core"

// State is the per-execution state of the agent graph. A fresh State is
// created for every run, including a fallback re-run, and is never shared.
type State struct {
	Messages []core.Message

	limiter *core.IterationLimiter
}

func newState(history []core.Message, maxIterations int) *State {
	return &State{
		Messages: history,
		limiter:  core.NewIterationLimiter(maxIterations),
	}
}

// Iterations returns the number of agent turns taken so far.
func (s *State) Iterations() int { return s.limiter.Count() }

// lastAI returns the most recent AI message.
func (s *State) lastAI() (core.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == core.RoleAI {
			return s.Messages[i], true
		}
	}
	return core.Message{}, false
}
