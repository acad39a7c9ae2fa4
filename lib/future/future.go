// Package future provides a single-assignment result container.
//
// A Future is settled at most once, either with a value (Resolve) or with an
// error (Reject). Later settlement attempts are ignored and reported as
// false, which lets several producers race to settle the same caller without
// extra coordination (e.g. a stream envelope and the end-of-stream sweep).
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
package future

import (
	"context"
	"sync"
)

// Future holds the eventual result of an operation
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates a pending future
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved creates a future that is already settled with value
func Resolved[T any](value T) *Future[T] {
	f := New[T]()
	f.Resolve(value)
	return f
}

// Rejected creates a future that is already settled with err
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Settle settles the future with the given value and error.
// It returns false if the future was already settled
func (f *Future[T]) Settle(value T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Resolve settles the future successfully
func (f *Future[T]) Resolve(value T) bool {
	return f.Settle(value, nil)
}

// Reject settles the future with an error
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.Settle(zero, err)
}

// Done returns a channel that is closed once the future is settled
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsSettled reports whether the future has been settled
func (f *Future[T]) IsSettled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future is settled or ctx is done.
// A done context does not settle the future, it only stops waiting
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value and error without blocking.
// ok is false while the future is pending
func (f *Future[T]) Result() (value T, ok bool, err error) {
	if !f.IsSettled() {
		return value, false, nil
	}
	return f.value, true, f.err
}

// Forward settles dst with the result of f once f is settled.
// It does not block
func Forward[T any](f *Future[T], dst *Future[T]) {
	go func() {
		<-f.done
		dst.Settle(f.value, f.err)
	}()
}
