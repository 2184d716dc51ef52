package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry budget exhausted")

type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return ErrExhausted.Error() + ": " + e.last.Error()
}

func (e *exhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *exhaustedError) Unwrap() error { return e.last }

// Attempts returns how many attempts were made before err, or 0 when err does
// not come from Do.
func Attempts(err error) int {
	var ex *exhaustedError
	if errors.As(err, &ex) {
		return ex.attempts
	}
	return 0
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// policy runs out of attempts. fn receives the 0-based attempt index.
func Do(ctx context.Context, p Policy, key string, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	return DoWithSleeper(ctx, p, key, retryable, Sleep, fn)
}

// DoWithSleeper is Do with an injectable wait, for tests.
func DoWithSleeper(ctx context.Context, p Policy, key string, retryable func(error) bool, sleep Sleeper, fn func(ctx context.Context, attempt int) error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := sleep(ctx, p.Delay(key, attempt)); err != nil {
			if last == nil {
				return err
			}
			return errors.Join(err, last)
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
	}
	return &exhaustedError{attempts: p.MaxAttempts, last: last}
}
