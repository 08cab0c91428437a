package call

import (
	"sync"
)

// Executor runs tasks one at a time, in the order they were posted, on a
// single goroutine. Post never blocks: the queue is unbounded so that the
// UDP receive loop and timer goroutines can hand off events without
// waiting on a busy call.
type Executor struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewExecutor creates an executor and starts its worker goroutine
func NewExecutor() *Executor {
	e := &Executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// Post enqueues a task. It returns false if the executor has been closed.
func (e *Executor) Post(task func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting tasks, lets already-queued tasks run, and waits
// for the worker to exit. It must not be called from a task.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
	<-e.done
}

// Pending returns the number of queued tasks not yet started
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Executor) run() {
	defer close(e.done)
	for range e.wake {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				closed := e.closed
				e.mu.Unlock()
				if closed {
					return
				}
				break
			}
			task := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			task()
		}
	}
}
