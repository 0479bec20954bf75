// Package retry runs operations with capped attempts and exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// Unit is the backoff base. The delay after the n-th failed attempt is
	// Unit * 2^(n-1): one unit, then two, then four.
	Unit time.Duration
	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns three attempts with a one second unit.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Unit:        time.Second,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent, sleeps included.
	Duration time.Duration
}

// Do runs op until it succeeds, returns a permanent error, the context is
// done, or MaxAttempts is reached. The attempt number passed to op starts at 1.
func Do(ctx context.Context, config Config, op func(ctx context.Context, attempt int) error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Unit <= 0 {
		config.Unit = time.Second
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = SleepWithContext
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		err := op(ctx, attempt)
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err

		if IsPermanent(err) || attempt >= config.MaxAttempts {
			break
		}

		delay := Backoff(attempt, config.Unit, config.MaxDelay)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			result.Err = serr
			break
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func(ctx context.Context, attempt int) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(ctx context.Context, attempt int) error {
		var err error
		value, err = op(ctx, attempt)
		return err
	})
	return value, result
}

// Backoff returns unit * 2^(attempt-1), capped at max when max > 0.
func Backoff(attempt int, unit, max time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := unit
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// SleepWithContext blocks for d or until ctx is done.
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

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
