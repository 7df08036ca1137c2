// Package backoff provides exponential backoff with jitter for the
// provider and sandbox clients.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the first backoff duration.
	Initial time.Duration
	// Max caps the backoff duration.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64
}

// ProviderPolicy suits reasoning-provider retries. Attempt counts stay
// low, so the delay matters more than the curve. initial overrides the
// first backoff duration; zero keeps the default.
func ProviderPolicy(initial time.Duration) Policy {
	if initial <= 0 {
		initial = time.Second
	}
	return Policy{Initial: initial, Max: 15 * time.Second, Factor: 2, Jitter: 0.2}
}

// SandboxPolicy suits the code-execution sandbox client.
func SandboxPolicy() Policy {
	return Policy{Initial: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.1}
}

// Compute returns the backoff duration for an attempt (1-indexed):
// min(Max, Initial*Factor^(attempt-1) + jitter).
func Compute(policy Policy, attempt int) time.Duration {
	return computeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func computeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	total := base + base*policy.Jitter*randomValue
	if max := float64(policy.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits out the backoff for the given attempt, honoring context
// cancellation.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	duration := Compute(policy, attempt)
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy
// between failures. retryable decides whether an error is worth another
// attempt; a nil predicate retries everything.
func Retry(ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
