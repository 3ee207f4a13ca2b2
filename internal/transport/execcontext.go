package transport

import (
	"sync"
	"sync/atomic"
)

// Task is a cancellable unit of work posted to a connection's execution
// context. Discard marks the task dead; it still runs, but with
// discard=true so the work can decline to touch freed state.
type Task struct {
	run       func(discard bool)
	discarded atomic.Bool
}

// NewTask wraps run into a postable task.
func NewTask(run func(discard bool)) *Task {
	return &Task{run: run}
}

// Discard marks the task so it executes as a no-op.
func (t *Task) Discard() {
	t.discarded.Store(true)
}

func (t *Task) invoke(forceDiscard bool) {
	t.run(forceDiscard || t.discarded.Load())
}

// ExecContext serializes tasks onto a single goroutine owned by one
// connection. Posting never blocks the caller. Closing the context runs
// every task still queued, and every task posted afterwards, with
// discard=true.
type ExecContext struct {
	mu     sync.Mutex
	queue  []*Task
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewExecContext starts the context's loop goroutine.
func NewExecContext() *ExecContext {
	c := &ExecContext{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *ExecContext) loop() {
	for {
		c.mu.Lock()
		tasks := c.queue
		c.queue = nil
		closed := c.closed
		c.mu.Unlock()

		for _, t := range tasks {
			t.invoke(closed)
		}
		if closed {
			close(c.done)
			return
		}
		<-c.wake
	}
}

// Post queues a task for execution on the context's goroutine. When the
// context is already closed the task is invoked immediately with
// discard=true and Post reports false.
func (c *ExecContext) Post(t *Task) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.invoke(true)
		return false
	}
	c.queue = append(c.queue, t)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops the loop after draining the queue with discard=true. Safe to
// call from a task running on the loop itself; it does not wait for the
// drain in that case.
func (c *ExecContext) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop has drained and exited.
func (c *ExecContext) Done() <-chan struct{} {
	return c.done
}
