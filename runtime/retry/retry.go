// Package retry implements the exponential backoff policy gating task
// re-execution. The policy is pure configuration: the scheduler owns the
// sleeping and the retry-count bookkeeping.
package retry

import (
	"fmt"
	"math/rand"
	"time"

	"goa.design/relay/runtime/task"
)

// Defaults applied by NewPolicy for zero-valued options.
const (
	DefaultBaseDelay  = time.Second
	DefaultMultiplier = 2.0
	DefaultMaxRetries = 3
)

type (
	// Options configures a Policy.
	Options struct {
		// BaseDelay is the first-attempt backoff. Zero selects
		// DefaultBaseDelay; negative is rejected.
		BaseDelay time.Duration
		// Multiplier grows the delay per attempt. Zero selects
		// DefaultMultiplier; values below 1 are rejected.
		Multiplier float64
		// MaxRetries bounds attempts for tasks that do not declare their
		// own bound. Zero selects DefaultMaxRetries; negative is rejected.
		MaxRetries int
		// MaxDelay optionally caps the computed delay. Zero means no cap.
		MaxDelay time.Duration
		// Jitter adds up to the given fraction of the delay as random
		// noise, in [0,1). Zero disables jitter.
		Jitter float64
	}

	// Policy computes backoff delays and gates retries. Immutable and
	// safe for concurrent use.
	Policy struct {
		base       time.Duration
		multiplier float64
		maxRetries int
		maxDelay   time.Duration
		jitter     float64
	}
)

// NewPolicy validates options and constructs a Policy.
func NewPolicy(opts Options) (*Policy, error) {
	if opts.BaseDelay < 0 {
		return nil, fmt.Errorf("retry: base delay must be non-negative, got %v", opts.BaseDelay)
	}
	if opts.Multiplier != 0 && opts.Multiplier < 1 {
		return nil, fmt.Errorf("retry: multiplier must be >= 1, got %v", opts.Multiplier)
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("retry: max retries must be non-negative, got %d", opts.MaxRetries)
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		return nil, fmt.Errorf("retry: jitter must be in [0,1), got %v", opts.Jitter)
	}
	p := &Policy{
		base:       opts.BaseDelay,
		multiplier: opts.Multiplier,
		maxRetries: opts.MaxRetries,
		maxDelay:   opts.MaxDelay,
		jitter:     opts.Jitter,
	}
	if p.base == 0 {
		p.base = DefaultBaseDelay
	}
	if p.multiplier == 0 {
		p.multiplier = DefaultMultiplier
	}
	if p.maxRetries == 0 && opts.MaxRetries == 0 {
		p.maxRetries = DefaultMaxRetries
	}
	return p, nil
}

// MaxRetries reports the policy's default retry bound.
func (p *Policy) MaxRetries() int { return p.maxRetries }

// Delay computes the backoff before the given attempt (1-based):
// base × multiplier^(attempt-1), capped by MaxDelay, plus jitter.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.base)
	for i := 1; i < attempt; i++ {
		d *= p.multiplier
		if p.maxDelay > 0 && d >= float64(p.maxDelay) {
			d = float64(p.maxDelay)
			break
		}
	}
	if p.maxDelay > 0 && d > float64(p.maxDelay) {
		d = float64(p.maxDelay)
	}
	if p.jitter > 0 {
		d += d * p.jitter * rand.Float64()
	}
	return time.Duration(d)
}

// ShouldRetry reports whether the task may be retried for the given
// attempt (1-based). The task's own MaxRetries overrides the policy
// default when non-negative.
func (p *Policy) ShouldRetry(t *task.Task, attempt int) bool {
	limit := t.EffectiveMaxRetries(p.maxRetries)
	return attempt <= limit && t.RetryCount < limit
}
