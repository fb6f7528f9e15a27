package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")

	// ErrSoftLimit is returned by tasks that noticed the soft deadline and
	// wrapped up early after persisting partial progress. It is not retried.
	ErrSoftLimit = errors.New("soft time limit exceeded")

	// ErrHardLimit marks a run that was forcibly terminated by the hard
	// deadline. It is not retried: the budget is for the whole task, not
	// per attempt.
	ErrHardLimit = errors.New("hard time limit exceeded")
)

// NoRetry marks an error as non-retryable.
//
// Tasks can wrap validation errors or other permanent failures with NoRetry
// so the engine won't waste time retrying.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// ---- soft deadline plumbing ----

type softDeadlineKey struct{}

func withSoftDeadline(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, softDeadlineKey{}, t)
}

// SoftDeadline reports the graceful wrap-up deadline for the running task,
// if one was configured.
func SoftDeadline(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(softDeadlineKey{}).(time.Time)
	return t, ok
}

// SoftLimitExceeded reports whether the running task is past its soft
// deadline. Tasks should check this at checkpoints, persist partial
// progress, and return ErrSoftLimit.
func SoftLimitExceeded(ctx context.Context) bool {
	t, ok := SoftDeadline(ctx)
	return ok && time.Now().After(t)
}
