package core

import "sync"

// IterationLimiter enforces a maximum number of agent turns per run.
type IterationLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewIterationLimiter creates a new limiter with a max number of turns.
// If max == 0, unlimited turns are allowed.
func NewIterationLimiter(max int) *IterationLimiter {
	return &IterationLimiter{max: max}
}

// Increment records one more turn and returns an IterationLimitError if the
// limit is exceeded. The count is not advanced past the limit.
func (l *IterationLimiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.count >= l.max {
		return &IterationLimitError{Max: l.max}
	}

	l.count++

	return nil
}

// Count returns the number of turns taken.
func (l *IterationLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many turns are left before hitting the limit.
func (l *IterationLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
