package scheduler

// StreamSlot is a single-permit semaphore standing in for "the scheduler's
// one in-flight accelerator slot", shared between the scheduler and the
// streaming session manager. run_async is classified both Streaming (at
// the dispatch layer) and AcceleratorQueued (at the scheduler layer), so a
// streaming session must hold this slot for its whole generation, not just
// the instant its task is dequeued by the worker — otherwise a second
// run_async could create its own session before the first one's task even
// reaches the scheduler, and both would believe they own the accelerator.
type StreamSlot struct {
	permit chan struct{}
}

// NewStreamSlot creates an unheld single-permit semaphore.
func NewStreamSlot() *StreamSlot {
	return &StreamSlot{permit: make(chan struct{}, 1)}
}

// TryAcquire claims the slot, returning false if it is already held.
func (s *StreamSlot) TryAcquire() bool {
	select {
	case s.permit <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the slot. Safe to call when not currently held.
func (s *StreamSlot) Release() {
	select {
	case <-s.permit:
	default:
	}
}
