package engine

import (
	"context"
	"time"
)

// Clock abstracts time for the retry and health-poll loops so tests can
// run them without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the production clock.
type RealClock struct{}

// Now returns the wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is cancelled.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPolicy is a value describing bounded retries with backoff. It
// replaces ad hoc sleep loops so the delay schedule is testable.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the
	// first. Values below 1 are treated as 1.
	MaxAttempts int

	// Interval is the base delay between attempts.
	Interval time.Duration

	// Exponential doubles the delay after every attempt when set;
	// otherwise the interval is fixed.
	Exponential bool

	// MaxInterval caps the exponential delay. Zero means uncapped.
	MaxInterval time.Duration
}

// Delay returns the delay to wait after the given zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Interval
	if !p.Exponential {
		return d
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

// Attempts returns the effective attempt budget.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs fn up to the policy's attempt budget, sleeping between
// attempts on the provided clock. It stops early when fn succeeds, when
// fn returns a non-retryable error, or when ctx is cancelled. The
// returned error is the last attempt's error annotated with the attempt
// count.
func (p RetryPolicy) Do(ctx context.Context, clock Clock, fn func(ctx context.Context) error) error {
	attempts := p.Attempts()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewStepError(KindInterrupted, "run cancelled", err).WithAttempts(attempt)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return annotateAttempts(lastErr, attempt+1)
		}
		if attempt == attempts-1 {
			break
		}
		if err := clock.Sleep(ctx, p.Delay(attempt)); err != nil {
			return NewStepError(KindInterrupted, "run cancelled during backoff", err).WithAttempts(attempt + 1)
		}
	}
	return annotateAttempts(lastErr, attempts)
}

func annotateAttempts(err error, attempts int) error {
	if se, ok := err.(*StepError); ok && se.Attempts == 0 {
		return se.WithAttempts(attempts)
	}
	return err
}
