package mergelock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireUncontended(t *testing.T) {
	l := New(nil)

	if err := l.Acquire(context.Background(), "task-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got := l.Owner(); got != "task-1" {
		t.Errorf("Owner = %q, want task-1", got)
	}
	if !l.IsLockedBy("task-1") {
		t.Error("IsLockedBy(task-1) should be true")
	}
	if l.IsLockedBy("task-2") {
		t.Error("IsLockedBy(task-2) should be false")
	}
	if got := l.QueueLength(); got != 0 {
		t.Errorf("QueueLength = %d, want 0", got)
	}
}

func TestAcquireIdempotentForOwner(t *testing.T) {
	l := New(nil)

	if err := l.Acquire(context.Background(), "task-1"); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	// A second acquire by the owner must return immediately.
	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), "task-1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("re-Acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("re-Acquire by owner blocked")
	}
	if got := l.QueueLength(); got != 0 {
		t.Errorf("QueueLength = %d, want 0", got)
	}
}

func TestReleaseByNonOwnerIsNoOp(t *testing.T) {
	l := New(nil)

	if err := l.Acquire(context.Background(), "task-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	l.Release("task-2")
	if got := l.Owner(); got != "task-1" {
		t.Errorf("Owner after stranger Release = %q, want task-1", got)
	}

	l.Release("task-1")
	if got := l.Owner(); got != "" {
		t.Errorf("Owner after Release = %q, want empty", got)
	}

	// Releasing an unheld lock is also a no-op.
	l.Release("task-1")
}

func TestFIFOOrder(t *testing.T) {
	l := New(nil)

	if err := l.Acquire(context.Background(), "task-0"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	const waiters = 5
	order := make(chan string, waiters)
	started := make(chan struct{}, waiters)

	var wg sync.WaitGroup
	for i := 1; i <= waiters; i++ {
		taskID := "task-" + string(rune('0'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			if err := l.Acquire(context.Background(), taskID); err != nil {
				t.Errorf("Acquire(%s) failed: %v", taskID, err)
				return
			}
			order <- taskID
			l.Release(taskID)
		}()
		// Wait for the goroutine to run and join the queue before
		// starting the next one, so arrival order is deterministic.
		<-started
		waitForQueueLength(t, l, i)
	}

	l.Release("task-0")
	wg.Wait()
	close(order)

	i := 1
	for taskID := range order {
		want := "task-" + string(rune('0'+i))
		if taskID != want {
			t.Errorf("acquisition %d = %s, want %s", i, taskID, want)
		}
		i++
	}
	if got := l.Owner(); got != "" {
		t.Errorf("Owner after all releases = %q, want empty", got)
	}
}

func TestDuplicateAcquireSharesQueueSlot(t *testing.T) {
	l := New(nil)

	if err := l.Acquire(context.Background(), "holder"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	done := make(chan error, 2)
	go func() { done <- l.Acquire(context.Background(), "dup") }()
	go func() { done <- l.Acquire(context.Background(), "dup") }()
	waitForQueueLength(t, l, 1)

	// Let the second call join; it must not take a second slot.
	time.Sleep(20 * time.Millisecond)
	if got := l.QueueLength(); got != 1 {
		t.Fatalf("QueueLength with duplicate acquires = %d, want 1", got)
	}

	l.Release("holder")
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("duplicate acquire never returned")
		}
	}
	if got := l.Owner(); got != "dup" {
		t.Errorf("Owner = %q, want dup", got)
	}
	// The promoted id must not remain queued behind itself.
	if got := l.QueueLength(); got != 0 {
		t.Errorf("QueueLength after promotion = %d, want 0", got)
	}
}

func TestDuplicateAcquireSurvivesPartialCancel(t *testing.T) {
	l := New(nil)

	if err := l.Acquire(context.Background(), "holder"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() { cancelled <- l.Acquire(ctx, "dup") }()
	waitForQueueLength(t, l, 1)

	kept := make(chan error, 1)
	go func() { kept <- l.Acquire(context.Background(), "dup") }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-cancelled:
		if err != context.Canceled {
			t.Errorf("cancelled Acquire = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return")
	}

	// The other call for the same id is still in line.
	if got := l.QueueLength(); got != 1 {
		t.Errorf("QueueLength after partial cancel = %d, want 1", got)
	}

	l.Release("holder")
	select {
	case err := <-kept:
		if err != nil {
			t.Fatalf("surviving Acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("surviving acquire never got the lock")
	}
	if got := l.Owner(); got != "dup" {
		t.Errorf("Owner = %q, want dup", got)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	l := New(nil)

	if err := l.Acquire(context.Background(), "task-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "task-2") }()
	waitForQueueLength(t, l, 1)

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Acquire after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return")
	}
	if got := l.QueueLength(); got != 0 {
		t.Errorf("QueueLength after cancel = %d, want 0", got)
	}

	// The lock must still flow past the abandoned waiter.
	l.Release("task-1")
	if err := l.Acquire(context.Background(), "task-3"); err != nil {
		t.Fatalf("Acquire after abandoned waiter failed: %v", err)
	}
	if got := l.Owner(); got != "task-3" {
		t.Errorf("Owner = %q, want task-3", got)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	l := New(nil)

	const workers = 20
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		taskID := "task-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), taskID); err != nil {
				t.Errorf("Acquire(%s) failed: %v", taskID, err)
				return
			}
			counter++ // exclusive section; the race detector verifies mutual exclusion
			l.Release(taskID)
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("counter = %d, want %d", counter, workers)
	}
	if got := l.Owner(); got != "" {
		t.Errorf("Owner = %q, want empty", got)
	}
	if got := l.QueueLength(); got != 0 {
		t.Errorf("QueueLength = %d, want 0", got)
	}
}

func waitForQueueLength(t *testing.T, l *Lock, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.QueueLength() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue length never reached %d (got %d)", want, l.QueueLength())
}
