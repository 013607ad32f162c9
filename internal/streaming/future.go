package streaming

import (
	"context"
	"sync"
)

// Future is a value that is resolved once and awaited by any number of
// goroutines. Later calls to Resolve are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the result and wakes all waiters. It reports whether this
// call resolved the future.
func (f *Future[T]) Resolve(val T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolved value without blocking. resolved is false
// while the future is pending.
func (f *Future[T]) Result() (val T, resolved bool, err error) {
	select {
	case <-f.done:
		return f.val, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}

// Failed reports whether the future resolved with an error.
func (f *Future[T]) Failed() bool {
	_, resolved, err := f.Result()
	return resolved && err != nil
}
