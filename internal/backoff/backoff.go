// Package backoff provides exponential backoff with jitter for retrying
// transient provider and tool failures.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters of an exponential backoff schedule.
type Policy struct {
	// MaxAttempts bounds the number of calls, including the first one.
	MaxAttempts int
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor is the growth applied per attempt.
	Factor float64
	// Jitter is the randomization share (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// DefaultPolicy returns three attempts starting at 200ms, doubling, capped at 5s,
// with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     200 * time.Millisecond,
		Max:         5 * time.Second,
		Factor:      2,
		Jitter:      0.2,
	}
}

// Validate reports an invalid policy.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case p.Initial < 0 || p.Max < 0:
		return errors.New("delays must not be negative")
	case p.Factor < 1:
		return errors.New("factor must be at least 1")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("jitter must be within [0, 1]")
	}
	return nil
}

// Delay returns the wait before the attempt following attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand computes the delay with a caller supplied random value in [0, 1).
// base = Initial * Factor^(attempt-1), result = min(Max, base + base*Jitter*r).
func (p Policy) DelayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// RetryOptions tune a single Retry call.
type RetryOptions struct {
	// Retryable decides whether an error deserves another attempt. When nil
	// every error is retried.
	Retryable func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the policy's
// attempts are exhausted, or ctx is done. It returns the number of attempts
// made and, on failure, the last error from fn. A cancelled wait returns the
// context error.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), optFns ...func(o *RetryOptions)) (T, int, error) {
	var opts RetryOptions
	for _, f := range optFns {
		f(&opts)
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, attempt, nil
		}

		if attempt >= attempts || (opts.Retryable != nil && !opts.Retryable(err)) {
			return zero, attempt, err
		}

		delay := p.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return zero, attempt, serr
		}
	}
}
