// Package race runs an operation against a deadline with soft cancellation: when the
// timer wins, the operation keeps running and its eventual result is discarded.
package race

import (
	"context"
	"time"
)

// Result is the outcome of Run.
type Result[T any] struct {
	Value    T
	Err      error
	TimedOut bool
}

// Run starts op in its own goroutine and waits for whichever comes first: op's
// result, the timeout, or ctx cancellation (reported as TimedOut with ctx.Err()).
//
// op receives a context that is NOT cancelled when the timer wins; callers that want
// a hard stop must do it themselves.
func Run[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) Result[T] {
	done := make(chan Result[T], 1) // buffered: a late loser never blocks

	go func() {
		v, err := op(context.WithoutCancel(ctx))
		done <- Result[T]{Value: v, Err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r
	case <-timer.C:
		return Result[T]{TimedOut: true}
	case <-ctx.Done():
		return Result[T]{TimedOut: true, Err: ctx.Err()}
	}
}

// Or returns the value, or fallback when the race timed out or failed.
func (r Result[T]) Or(fallback T) T {
	if r.TimedOut || r.Err != nil {
		return fallback
	}
	return r.Value
}
