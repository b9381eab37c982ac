// Package retry runs operations with bounded retries, exponential backoff and
// jitter, honouring server-supplied retry-after hints.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/blackmichael/bluesky-reader/internal/apierr"
)

// MaxRetryAfter caps how long a server retry-after hint can make us wait.
const MaxRetryAfter = 5 * time.Minute

const (
	jitterMin   = 0.7
	jitterRange = 0.6
)

// Policy configures Do.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Jitter scales each delay by a random factor in [0.7, 1.3].
	Jitter bool

	// ShouldRetry decides whether err, returned by the attempt with the given
	// zero-based index, is retried. Defaults to DefaultShouldRetry.
	ShouldRetry func(err error, attempt int) bool

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
		ShouldRetry: DefaultShouldRetry,
	}
}

// DefaultShouldRetry never retries cancellation, offline, auth or validation
// failures, always retries rate limits, server errors and timeouts, and
// retries anything else only when it was the first attempt that failed.
func DefaultShouldRetry(err error, attempt int) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch apierr.Classify(err).Kind {
	case apierr.KindOffline, apierr.KindAuth, apierr.KindValidation:
		return false
	case apierr.KindRateLimit, apierr.KindServer, apierr.KindTimeout:
		return true
	default:
		return attempt == 0
	}
}

// Backoff returns min(BaseDelay * 2^attempt, MaxDelay), scaled by a jitter
// factor drawn from rnd when p.Jitter is set.
func Backoff(attempt int, p Policy, rnd func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter && rnd != nil {
		delay *= jitterMin + jitterRange*rnd()
	}
	return time.Duration(delay)
}

// Delay returns how long to wait after err failed the given attempt. A rate
// limit error with a retry-after hint wins over the computed backoff.
func Delay(err error, attempt int, p Policy, rnd func() float64) time.Duration {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) && apiErr.Kind == apierr.KindRateLimit && apiErr.RetryAfter > 0 {
		return min(apiErr.RetryAfter, MaxRetryAfter)
	}
	return Backoff(attempt, p, rnd)
}

// Do runs op until it succeeds, the policy refuses a retry, or MaxRetries
// retries have failed. It returns the last error unchanged, or ctx.Err() if
// the context ends while waiting.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.ShouldRetry == nil {
		p.ShouldRetry = DefaultShouldRetry
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}

	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= p.MaxRetries || !p.ShouldRetry(err, attempt) {
			return zero, err
		}

		delay := Delay(err, attempt, p, p.Rand)
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}
		if err := p.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
