package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrCancelled resolves a future whose task was cancelled before it started.
	ErrCancelled = errors.New("task cancelled")

	// ErrStopped resolves futures of tasks still queued when the scheduler stops.
	ErrStopped = errors.New("scheduler stopped")
)

const (
	statePending int32 = iota
	stateRunning
	stateDone
)

// Future is the eventual result of a submitted task.
type Future[T any] struct {
	state     atomic.Int32
	cancelled atomic.Bool
	done      chan struct{}
	value     T
	err       error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.state.Store(stateDone)
	f.value, f.err = value, err
	close(f.done)
	return f
}

// Done is closed once the future has a result.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the result of a resolved future. It must only be called
// after Done is closed.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Cancel prevents a task that has not started from running and resolves
// its future with ErrCancelled. A task already running is not interrupted:
// Cancel records the request, returns false and the caller should discard
// the result.
func (f *Future[T]) Cancel() bool {
	f.cancelled.Store(true)
	if !f.state.CompareAndSwap(statePending, stateDone) {
		return false
	}
	var zero T
	f.value, f.err = zero, ErrCancelled
	close(f.done)
	return true
}

// Cancelled reports whether Cancel was called.
func (f *Future[T]) Cancelled() bool {
	return f.cancelled.Load()
}

// start claims the future for execution. It fails when the future was
// cancelled first.
func (f *Future[T]) start() bool {
	return f.state.CompareAndSwap(statePending, stateRunning)
}

func (f *Future[T]) resolve(value T, err error) {
	f.value, f.err = value, err
	f.state.Store(stateDone)
	close(f.done)
}

// abort resolves a future that never started.
func (f *Future[T]) abort(err error) {
	if !f.state.CompareAndSwap(statePending, stateDone) {
		return
	}
	var zero T
	f.value, f.err = zero, err
	close(f.done)
}
