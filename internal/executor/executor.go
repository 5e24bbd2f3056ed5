// Package executor provides a serialized task queue: tasks run one at a
// time, in submission order, on a single worker goroutine. Callers that need
// a task's result receive a Future and block only on it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned for tasks submitted after Close.
var ErrClosed = errors.New("executor: closed")

// PanicError carries a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("executor: task panicked: %v", e.Value)
}

// DefaultCapacity is the queue length used when New is given zero.
const DefaultCapacity = 512

// Executor runs submitted tasks strictly one at a time in FIFO order.
type Executor struct {
	log  *slog.Logger
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}

	capacity int
}

// New starts an executor. If log is nil, slog.Default() is used.
func New(name string, log *slog.Logger, capacity int) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	e := &Executor{
		log:      log.With("component", "executor", "executor", name),
		name:     name,
		done:     make(chan struct{}),
		capacity: capacity,
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Name returns the executor's name.
func (e *Executor) Name() string { return e.name }

// Post enqueues fn without waiting for it. It reports false if the executor
// is closed.
func (e *Executor) Post(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.log.Debug("task dropped after close")
		return false
	}
	if len(e.queue) >= e.capacity {
		e.log.Warn("queue above capacity", "depth", len(e.queue), "capacity", e.capacity)
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
	return true
}

// Len returns the number of queued tasks, not counting one in flight.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close stops accepting tasks and waits for queued tasks to finish.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.cond.Broadcast()
	}
	e.mu.Unlock()
	<-e.done
}

// Done is closed once the worker has exited after Close.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.invoke(fn)
	}
}

func (e *Executor) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Future is the handle for a task's result.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future already holding value and err.
func Resolved[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(value, err)
	return f
}

func (f *Future[T]) resolve(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task has run or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the task has run.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Begin enqueues fn on e and returns a Future for its result. A panic in fn
// is recovered and reported as a *PanicError.
func Begin[T any](e *Executor, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	ok := e.Post(func() {
		var (
			value T
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("task panicked", "panic", r)
				var zero T
				f.resolve(zero, &PanicError{Value: r, Stack: debug.Stack()})
				return
			}
			f.resolve(value, err)
		}()
		value, err = fn()
	})
	if !ok {
		var zero T
		f.resolve(zero, ErrClosed)
	}
	return f
}

// Invoke is Begin for tasks without a result value.
func Invoke(e *Executor, fn func() error) *Future[struct{}] {
	return Begin(e, func() (struct{}, error) {
		return struct{}{}, fn()
	})
}
