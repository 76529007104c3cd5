// Package retry runs a model invocation attempt repeatedly with jittered
// exponential backoff until it succeeds, fails permanently or runs out of
// attempts.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/hupe1980/agentloop/core"
)

// Policy defines the retry budget and backoff shape.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the un-jittered delay.
	MaxDelay time.Duration
	// Jitter is the symmetric randomization factor (0.25 = ±25%).
	Jitter float64
}

// DefaultPolicy returns 3 attempts, 1s base delay, 30s cap and ±25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.25,
	}
}

// normalize fills zero fields from DefaultPolicy.
func (p Policy) normalize() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// WithMaxAttempts returns a copy of p using n attempts when n > 0.
func (p Policy) WithMaxAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// BaseFor returns the un-jittered delay after the given failed attempt
// (1-based): min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p Policy) BaseFor(attempt int) time.Duration {
	p = p.normalize()
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.BaseDelay) * math.Pow(2, exp)
	return time.Duration(math.Min(base, float64(p.MaxDelay)))
}

// Delay returns the jittered delay after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay using a provided random value in [0,1).
// 0 yields the lower jitter bound, values close to 1 the upper bound.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	p = p.normalize()
	base := float64(p.BaseFor(attempt))
	factor := 1 + p.Jitter*(2*randomValue-1)
	return time.Duration(math.Round(base * factor))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepWithContext sleeps for the specified duration, respecting context cancellation.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options configures a Retrier.
type Options struct {
	Policy Policy
	// Sleep is used between attempts. Defaults to SleepWithContext.
	Sleep Sleeper
	// Retryable classifies failures. Defaults to core.IsTransient.
	Retryable func(error) bool
	// Rand supplies jitter values in [0,1). Defaults to math/rand.
	Rand func() float64
}

// Retrier executes attempts according to a Policy.
type Retrier struct {
	opts Options
}

// New creates a Retrier.
func New(optFns ...func(o *Options)) *Retrier {
	opts := Options{
		Policy:    DefaultPolicy(),
		Sleep:     SleepWithContext,
		Retryable: core.IsTransient,
		Rand:      rand.Float64, // #nosec G404 -- jitter does not require cryptographic randomness
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Policy = opts.Policy.normalize()

	return &Retrier{opts: opts}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.opts.Policy }

// OnRetry is invoked after a retryable failure, before sleeping.
type OnRetry func(attempt int, delay time.Duration, err error)

// Do calls fn until it succeeds. Non-retryable errors are returned
// unchanged. After MaxAttempts failures a core.RetryExhaustedError wrapping
// the last error is returned. Cancellation during the backoff sleep returns
// the context error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry OnRetry) error {
	var last error

	for attempt := 1; attempt <= r.opts.Policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}

		if !r.opts.Retryable(last) {
			return last
		}

		if attempt == r.opts.Policy.MaxAttempts {
			break
		}

		delay := r.opts.Policy.DelayWithRand(attempt, r.opts.Rand())
		if onRetry != nil {
			onRetry(attempt, delay, last)
		}

		if err := r.opts.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &core.RetryExhaustedError{Attempts: r.opts.Policy.MaxAttempts, Last: last}
}
