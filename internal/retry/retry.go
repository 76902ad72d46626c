// Package retry implements bounded retry with randomized, monotone backoff.
package retry

import (
	"math/rand"
	"time"

	"github.com/verdantgrid/grassmon/internal/domain"
)

// DefaultPolicy mirrors the historical default scaling multiplier of 3:
// three attempts, backoff jitter drawn from 11-31 seconds.
func DefaultPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:    3,
		BaseMultiplier: 3,
		JitterMin:      11,
		JitterMax:      31,
	}
}

// Backoff computes the wait before the next attempt. attempt is 1-based and
// counts the attempts already made. The jitter factor is randomized to avoid
// colliding with the target UI's own startup jitter; for any fixed jitter
// draw the result is non-decreasing in attempt.
type Backoff struct {
	policy domain.RetryPolicy
	rng    *rand.Rand
}

// New creates a Backoff for the given policy, seeded from the current time.
func New(policy domain.RetryPolicy) *Backoff {
	return NewWithRand(policy, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand creates a Backoff with an injected random source (for tests).
func NewWithRand(policy domain.RetryPolicy, rng *rand.Rand) *Backoff {
	return &Backoff{policy: policy, rng: rng}
}

// Next returns the backoff duration after the attempt-th failed attempt.
func (b *Backoff) Next(attempt int) time.Duration {
	jitter := b.policy.JitterMin
	if span := b.policy.JitterMax - b.policy.JitterMin; span > 0 {
		jitter += b.rng.Intn(span + 1)
	}
	return ForJitter(b.policy, attempt, jitter)
}

// ForJitter computes the deterministic backoff for a known jitter draw.
func ForJitter(policy domain.RetryPolicy, attempt, jitter int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(jitter*attempt*policy.BaseMultiplier) * time.Second
}

// Attempts iterates the policy's attempt budget, invoking fn with a fresh
// AttemptContext each round. fn returns done=true to stop (success or a
// non-retryable failure); otherwise Attempts sleeps the computed backoff and
// retries. Returns domain.ErrRetriesExhausted when the budget runs out.
//
// sleep is injectable so tests never block; a nil sleep means time.Sleep.
func (b *Backoff) Attempts(sleep func(time.Duration), fn func(domain.AttemptContext) (done bool, err error)) error {
	if sleep == nil {
		sleep = time.Sleep
	}

	var elapsed time.Duration
	for attempt := 1; attempt <= b.policy.MaxAttempts; attempt++ {
		done, err := fn(domain.AttemptContext{Attempt: attempt, ElapsedBackoff: elapsed})
		if done {
			return err
		}

		if attempt < b.policy.MaxAttempts {
			wait := b.Next(attempt)
			elapsed += wait
			sleep(wait)
		}
	}

	return domain.ErrRetriesExhausted
}
