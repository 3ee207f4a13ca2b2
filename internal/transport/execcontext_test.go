package transport

import (
	"sync"
	"testing"
	"time"
)

func waitDone(t *testing.T, ec *ExecContext) {
	t.Helper()
	select {
	case <-ec.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("execution context did not shut down")
	}
}

func TestExecContextRunsTasksInOrder(t *testing.T) {
	ec := NewExecContext()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		if !ec.Post(NewTask(func(discard bool) {
			defer wg.Done()
			if discard {
				t.Errorf("task %d unexpectedly discarded", i)
				return
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})) {
			t.Fatalf("Post returned false on open context")
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("ran %d tasks, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order %v, want ascending", got)
		}
	}
	ec.Close()
	waitDone(t, ec)
}

func TestExecContextCloseDiscardsPending(t *testing.T) {
	ec := NewExecContext()

	// Park the loop inside a task so queued work piles up behind it.
	gate := make(chan struct{})
	entered := make(chan struct{})
	ec.Post(NewTask(func(bool) {
		close(entered)
		<-gate
	}))
	<-entered

	discarded := make(chan bool, 1)
	ec.Post(NewTask(func(discard bool) {
		discarded <- discard
	}))

	ec.Close()
	close(gate)

	select {
	case d := <-discarded:
		if !d {
			t.Fatalf("pending task ran with discard=false after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending task never ran")
	}
	waitDone(t, ec)
}

func TestExecContextPostAfterClose(t *testing.T) {
	ec := NewExecContext()
	ec.Close()
	waitDone(t, ec)

	ran := make(chan bool, 1)
	if ec.Post(NewTask(func(discard bool) { ran <- discard })) {
		t.Fatalf("Post on closed context returned true")
	}
	select {
	case d := <-ran:
		if !d {
			t.Fatalf("post-close task ran with discard=false")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("post-close task was never invoked with discard")
	}
}

func TestExecContextCloseFromOwnTask(t *testing.T) {
	ec := NewExecContext()
	done := make(chan struct{})
	ec.Post(NewTask(func(bool) {
		ec.Close() // must not deadlock on the loop goroutine
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close from a task deadlocked")
	}
	waitDone(t, ec)
}

func TestTaskDiscard(t *testing.T) {
	ec := NewExecContext()
	defer ec.Close()

	got := make(chan bool, 1)
	task := NewTask(func(discard bool) { got <- discard })
	task.Discard()
	ec.Post(task)

	select {
	case d := <-got:
		if !d {
			t.Fatalf("discarded task ran with discard=false")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("discarded task never ran")
	}
}
