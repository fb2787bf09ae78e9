package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bc-dunia/npud/internal/classifier"
	nerrors "github.com/bc-dunia/npud/internal/errors"
)

// executionBudgetMultiplier widens a method's classifier-estimated duration
// into an execution deadline, giving the accelerator headroom beyond the
// median case the classifier table records.
const executionBudgetMultiplier = 3

// Stats mirrors npu_queue_print_stats's counters.
type Stats struct {
	TasksProcessed int64
	TasksFailed    int64
	QueueOverflows int64
	PendingCount   int
	Busy           bool
	CurrentMethod  string
}

// Scheduler funnels every accelerator-bound operation through a single
// worker goroutine, reproducing npu_queue_t's "one hardware context, one
// thread" discipline in Go: a bounded FIFO plus a condition variable,
// rather than a size-N worker pool.
type Scheduler struct {
	capacity       int
	requestTimeout time.Duration
	shutdownGrace  time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Task
	running  bool
	busy     bool
	current  *Task
	cancelFn context.CancelFunc

	processed int64
	failed    int64
	overflows int64

	stopped chan struct{}
}

// New creates a Scheduler with the given queue capacity, per-task timeout,
// and graceful shutdown window, then starts its worker goroutine.
func New(capacity int, requestTimeout, shutdownGrace time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		capacity:       capacity,
		requestTimeout: requestTimeout,
		shutdownGrace:  shutdownGrace,
		logger:         logger,
		running:        true,
		stopped:        make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Enqueue appends a task to the FIFO, rejecting it with a Busy error if the
// queue is already at capacity (npu_queue_add_task's queue-full case).
func (s *Scheduler) Enqueue(t *Task) (<-chan struct{}, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, nerrors.New(nerrors.Internal).WithData(map[string]any{"reason": "scheduler shut down"})
	}
	if len(s.queue) >= s.capacity {
		s.overflows++
		s.mu.Unlock()
		s.logger.Warn("scheduler queue full, rejecting task", "method", t.Method, "request_id", t.RequestID, "capacity", s.capacity)
		return nil, nerrors.New(nerrors.Busy).WithData(map[string]any{"reason": "queue full", "capacity": s.capacity})
	}
	s.queue = append(s.queue, t)
	s.logger.Debug("scheduler task enqueued", "method", t.Method, "request_id", t.RequestID, "queue_size", len(s.queue))
	s.cond.Signal()
	s.mu.Unlock()

	return t.done, nil
}

// Result reports t's outcome. Call only after the channel returned by
// Enqueue is closed.
func (t *Task) Result() (any, error) {
	return t.value, t.err
}

// Submit is the common-case convenience wrapper: enqueue run under the
// given method/requestID/class and block until it completes or ctx is
// cancelled.
func (s *Scheduler) Submit(ctx context.Context, method, requestID string, class classifier.Class, run func(ctx context.Context) (any, error)) (any, error) {
	t := newTask(method, requestID, class, run)
	ready, err := s.Enqueue(t)
	if err != nil {
		return nil, err
	}
	select {
	case <-ready:
		return t.Result()
	case <-ctx.Done():
		return nil, nerrors.Wrap(nerrors.Timeout, ctx.Err())
	}
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.running {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && !s.running {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		// A task that has already sat in the queue past request_timeout is
		// answered with a timeout instead of being handed to the
		// accelerator, per spec.md §5: queue staleness is measured from
		// QueuedAt, not from whatever this worker happens to be doing now.
		if s.requestTimeout > 0 {
			if waited := time.Since(t.QueuedAt); waited > s.requestTimeout {
				s.logger.Warn("scheduler dropping task queued past request_timeout", "method", t.Method, "request_id", t.RequestID, "waited", waited, "request_timeout", s.requestTimeout)
				s.mu.Lock()
				s.failed++
				s.mu.Unlock()
				t.err = nerrors.New(nerrors.Timeout).WithData(map[string]any{"reason": "queued past request_timeout", "waited_ms": waited.Milliseconds()})
				close(t.done)
				continue
			}
		}

		s.mu.Lock()
		s.busy = true
		s.current = t

		taskCtx, cancel := context.WithTimeout(context.Background(), s.executionDeadlineFor(t))
		s.cancelFn = cancel
		s.mu.Unlock()

		started := time.Now()
		value, err := t.Run(taskCtx)
		cancel()
		elapsed := time.Since(started)

		s.mu.Lock()
		s.busy = false
		s.current = nil
		s.cancelFn = nil
		if err != nil {
			s.failed++
			s.logger.Warn("scheduler task failed", "method", t.Method, "request_id", t.RequestID, "elapsed", elapsed, "error", err)
		} else {
			s.processed++
			s.logger.Debug("scheduler task completed", "method", t.Method, "request_id", t.RequestID, "elapsed", elapsed)
		}
		s.mu.Unlock()

		t.value, t.err = value, err
		close(t.done)
	}
}

func (s *Scheduler) timeoutFor() time.Duration {
	if s.requestTimeout <= 0 {
		return 30 * time.Second
	}
	return s.requestTimeout
}

// executionDeadlineFor bounds how long a dispatched task may run once the
// worker has committed to it. This is deliberately separate from
// requestTimeout, which only gates how long a task may wait in queue before
// dispatch (checked above): reusing one value for both would force-cancel
// legitimately slow calls like init, classified at 45s in the very table
// classifier.EstimatedMs reads from, under a request_timeout meant to catch
// queue staleness.
func (s *Scheduler) executionDeadlineFor(t *Task) time.Duration {
	if ms := classifier.EstimatedMs(t.Method); ms > 0 {
		if budget := time.Duration(ms) * time.Millisecond * executionBudgetMultiplier; budget > s.timeoutFor() {
			return budget
		}
	}
	return s.timeoutFor()
}

// AbortCurrent cancels whatever task the worker is currently running,
// bypassing the queue entirely — original_source's abort is a direct,
// immediate call, never itself queued (spec.md §3 classifier table: abort
// is Instant/no-accelerator, yet it must reach a running accelerator op).
func (s *Scheduler) AbortCurrent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFn == nil {
		return false
	}
	s.cancelFn()
	return true
}

// IsBusy reports whether the worker is currently executing a task.
func (s *Scheduler) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// PendingCount reports the number of tasks waiting in the queue, not
// counting the one currently executing.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CurrentOperation reports the method name of the task in flight, or "" if
// the worker is idle.
func (s *Scheduler) CurrentOperation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Method
}

// Stats snapshots the scheduler's counters, mirroring
// npu_queue_print_stats.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		TasksProcessed: s.processed,
		TasksFailed:    s.failed,
		QueueOverflows: s.overflows,
		PendingCount:   len(s.queue),
		Busy:           s.busy,
	}
	if s.current != nil {
		st.CurrentMethod = s.current.Method
	}
	return st
}

// Shutdown stops accepting new tasks and waits up to shutdownGrace for the
// worker to drain, mirroring npu_queue_shutdown's join-with-timeout
// semantics (the original joins unconditionally; Go callers get a bounded
// wait instead of blocking forever on a stuck worker).
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.running = false
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case <-s.stopped:
	case <-time.After(s.shutdownGrace):
		s.logger.Warn("scheduler shutdown grace period elapsed, worker still draining")
	}
}
