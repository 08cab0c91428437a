package call_test

import (
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/call"
)

func TestExecutor_RunsInOrder(t *testing.T) {
	exec := call.NewExecutor()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 1000; i++ {
		i := i
		if !exec.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("Post %d rejected", i)
		}
	}
	exec.Close()

	if len(got) != 1000 {
		t.Fatalf("Expected all queued tasks to run before Close returns, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Task %d ran out of order (got %d)", i, v)
		}
	}
}

func TestExecutor_ConcurrentPostersSerialized(t *testing.T) {
	exec := call.NewExecutor()
	defer exec.Close()

	var running, maxRunning, total int
	var mu sync.Mutex
	var wg sync.WaitGroup
	done := make(chan struct{}, 400)

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				exec.Post(func() {
					mu.Lock()
					running++
					if running > maxRunning {
						maxRunning = running
					}
					mu.Unlock()

					time.Sleep(10 * time.Microsecond)

					mu.Lock()
					running--
					total++
					mu.Unlock()
					done <- struct{}{}
				})
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 400; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out after %d tasks", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxRunning != 1 {
		t.Errorf("Expected tasks to run one at a time, saw %d concurrently", maxRunning)
	}
	if total != 400 {
		t.Errorf("Expected 400 tasks, got %d", total)
	}
}

func TestExecutor_PostAfterClose(t *testing.T) {
	exec := call.NewExecutor()
	exec.Close()

	if exec.Post(func() {}) {
		t.Error("Expected Post to fail after Close")
	}
	if exec.Pending() != 0 {
		t.Errorf("Expected empty queue, got %d", exec.Pending())
	}
	// Second close is a no-op
	exec.Close()
}
