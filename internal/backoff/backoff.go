// Package backoff retries transient failures with exponential backoff and
// jitter. Outbound HTTP clients (Feishu, bot tools) use it for network
// errors and 5xx responses.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy parametrizes the delay curve.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter in [0,1] adds up to that fraction of the base delay.
	Jitter float64
}

// DefaultPolicy suits short outbound HTTP calls: 200ms initial, 5s cap.
func DefaultPolicy() Policy {
	return Policy{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay computes the sleep before the given attempt. Attempts are
// 1-indexed; attempt 1 ran without any delay.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	return time.Duration(math.Min(float64(p.Max), total))
}

// Permanent wraps an error to stop retrying immediately.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. It stops early on context cancellation or a Permanent error.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt < maxAttempts {
			timer := time.NewTimer(policy.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
