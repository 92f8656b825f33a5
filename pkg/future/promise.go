package future

import (
	"context"
	"sync"
)

// Result is the settled value of a promise.
type Result[T any] struct {
	Value T
	Err   error
}

// Promise is a write-once, typed completion signal.
//
// The producer settles it exactly once with TryComplete or TryFail; any later
// attempt is a no-op that reports false. Consumers block in Await.
type Promise[T any] struct {
	once   sync.Once
	done   chan struct{}
	result Result[T]
}

// NewPromise creates an unsettled promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// TryComplete settles the promise with a value.
func (p *Promise[T]) TryComplete(value T) bool {
	return p.settle(Result[T]{Value: value})
}

// TryFail settles the promise with an error.
func (p *Promise[T]) TryFail(err error) bool {
	return p.settle(Result[T]{Err: err})
}

func (p *Promise[T]) settle(r Result[T]) bool {
	settled := false
	p.once.Do(func() {
		p.result = r
		close(p.done)
		settled = true
	})
	return settled
}

// Await blocks until the promise settles or ctx is done.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.result.Value, p.result.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
