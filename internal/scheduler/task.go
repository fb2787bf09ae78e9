// Package scheduler serialises every operation that must touch the
// accelerator through a single worker goroutine, mirroring the "one
// hardware context, one thread" constraint in original_source's npu_queue.c
// (spec.md §4.1/§4.2: the accelerator is a process-wide singleton and every
// AcceleratorQueued/Streaming operation is funnelled through one worker).
package scheduler

import (
	"context"
	"time"

	"github.com/bc-dunia/npud/internal/classifier"
)

// Task is one unit of work waiting for the worker: enough to run the
// operation and to route its result back to whatever transport submitted
// it.
type Task struct {
	Method    string
	RequestID string
	Params    []byte // raw JSON params, resolved by the handler
	Class     classifier.Class

	// QueuedAt records when Enqueue accepted the task, for queueing-delay
	// diagnostics and stats.
	QueuedAt time.Time

	// Run performs the task body under the worker goroutine. ctx is
	// cancelled if the task's execution deadline (executionDeadlineFor)
	// elapses or AbortCurrent is called while this task is in flight.
	Run func(ctx context.Context) (any, error)

	done  chan struct{}
	value any
	err   error
}

func newTask(method, requestID string, class classifier.Class, run func(ctx context.Context) (any, error)) *Task {
	return &Task{
		Method:    method,
		RequestID: requestID,
		Class:     class,
		QueuedAt:  time.Now(),
		Run:       run,
		done:      make(chan struct{}),
	}
}

// NewTask builds a Task carrying raw request params, for callers outside
// this package (the dispatcher) that need to populate Params before
// enqueueing.
func NewTask(method, requestID string, params []byte, class classifier.Class, run func(ctx context.Context) (any, error)) *Task {
	t := newTask(method, requestID, class, run)
	t.Params = params
	return t
}
