package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/npud/internal/classifier"
)

func TestSubmitRunsOneAtATime(t *testing.T) {
	s := New(10, time.Second, time.Second, nil)
	defer s.Shutdown()

	var mu sync.Mutex
	var concurrent, maxConcurrent int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Submit(context.Background(), "run", "id", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) {
				mu.Lock()
				concurrent++
				if concurrent > maxConcurrent {
					maxConcurrent = concurrent
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				concurrent--
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("maxConcurrent = %d, want 1 (single worker)", maxConcurrent)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	s := New(1, time.Second, time.Second, nil)
	defer s.Shutdown()

	block := make(chan struct{})
	_, err := s.Enqueue(newTask("run", "a", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	// Give the worker a moment to pick up the first task so the queue is
	// empty but the worker is busy, then fill the one queue slot.
	time.Sleep(5 * time.Millisecond)
	_, err = s.Enqueue(newTask("run", "b", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) { return nil, nil }))
	if err != nil {
		t.Fatalf("second enqueue should fit in the one queue slot: %v", err)
	}

	_, err = s.Enqueue(newTask("run", "c", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) { return nil, nil }))
	if err == nil {
		t.Fatal("third enqueue should be rejected, queue is full")
	}

	close(block)
	if got := s.Stats().QueueOverflows; got != 1 {
		t.Fatalf("QueueOverflows = %d, want 1", got)
	}
}

func TestAbortCurrentCancelsRunningTask(t *testing.T) {
	s := New(10, time.Second, time.Second, nil)
	defer s.Shutdown()

	started := make(chan struct{})
	ready, err := s.Enqueue(newTask("run_async", "id", classifier.Streaming, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	if err != nil {
		t.Fatal(err)
	}

	<-started
	if !s.AbortCurrent() {
		t.Fatal("AbortCurrent should report a task was cancelled")
	}

	<-ready
	if s.Stats().TasksFailed != 1 {
		t.Fatalf("TasksFailed = %d, want 1", s.Stats().TasksFailed)
	}
}

func TestAbortCurrentWithNoRunningTaskReturnsFalse(t *testing.T) {
	s := New(10, time.Second, time.Second, nil)
	defer s.Shutdown()

	if s.AbortCurrent() {
		t.Fatal("AbortCurrent on an idle scheduler should return false")
	}
}

func TestPendingCountAndCurrentOperation(t *testing.T) {
	s := New(10, time.Second, time.Second, nil)
	defer s.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	_, err := s.Enqueue(newTask("init", "a", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) {
		close(started)
		<-block
		return nil, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if got := s.CurrentOperation(); got != "init" {
		t.Fatalf("CurrentOperation = %q, want %q", got, "init")
	}

	_, err = s.Enqueue(newTask("run", "b", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) { return nil, nil }))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}
	if !s.IsBusy() {
		t.Fatal("scheduler should report busy while init runs")
	}

	close(block)
}

func TestTaskQueuedPastRequestTimeoutIsNeverDispatched(t *testing.T) {
	s := New(10, 20*time.Millisecond, time.Second, nil)
	defer s.Shutdown()

	// Occupy the worker so the next task sits in the queue long enough to
	// go stale before the worker ever reaches it.
	block := make(chan struct{})
	started := make(chan struct{})
	_, err := s.Enqueue(newTask("run", "blocker", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) {
		close(started)
		<-block
		return nil, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	<-started

	var dispatched bool
	ready, err := s.Enqueue(newTask("run", "stale", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) {
		dispatched = true
		return nil, nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	close(block)
	<-ready

	if dispatched {
		t.Fatal("task queued past request_timeout should never reach the accelerator")
	}
	if got := s.Stats().TasksFailed; got != 1 {
		t.Fatalf("TasksFailed = %d, want 1", got)
	}
}

func TestExecutionDeadlineUsesClassifierEstimateNotRequestTimeout(t *testing.T) {
	s := New(10, 20*time.Millisecond, time.Second, nil)
	defer s.Shutdown()

	// init is classified at 45s; a flat 20ms request_timeout used as an
	// execution deadline would cancel this almost immediately.
	_, err := s.Submit(context.Background(), "init", "id", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) {
		time.Sleep(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return "ok", nil
		}
	})
	if err != nil {
		t.Fatalf("init should not be cancelled by request_timeout, got %v", err)
	}
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	s := New(10, time.Second, time.Second, nil)
	defer s.Shutdown()

	wantErr := errors.New("inference failed")
	_, err := s.Submit(context.Background(), "run", "id", classifier.AcceleratorQueued, func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Submit error = %v, want %v", err, wantErr)
	}
}
