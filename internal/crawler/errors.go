package crawler

import (
	"context"
	"errors"
)

var (
	// ErrHardTimeout is returned when a visit exceeds its wall-clock budget
	// and the running call had to be abandoned.
	ErrHardTimeout = errors.New("hard visit timeout exceeded")

	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing crawler dependency")
)

// isTimeout reports whether err is one of the recoverable timeouts: the
// hard visit deadline, a context deadline (soft page load) or any error
// that says so through a Timeout method (capture stop).
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHardTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// runBounded runs fn with ctx and waits for it at most until ctx is done.
// A call that ignores its context keeps running in the background, but the
// caller gets ErrHardTimeout (or ctx.Err() on cancellation) right away.
func runBounded(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrHardTimeout
		}
		return ctx.Err()
	}
}
