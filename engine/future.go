package engine

import "sync"

// future resolves exactly once and supports any number of waiters.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
	})
}

func (f *future[T]) wait() T {
	<-f.done
	return f.val
}
