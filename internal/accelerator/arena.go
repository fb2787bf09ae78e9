package accelerator

import (
	"fmt"
	"sync"
)

// Arena is a linear bump allocator standing in for the process-wide arena
// named in spec.md §4.6/§9: short-lived parameter buffers built during one
// queued operation are carved out of a single preallocated block and never
// individually freed — the whole arena resets between accelerator
// operations. Go has no manual memory to bump, so Arena buffers a []byte
// and hands out aligned sub-slices from it; Reset just rewinds the offset.
//
// The arena is reset between operations by convention, not by the type
// itself: callers own calling Reset at task boundaries (see the dispatcher's
// execute, which resets it after every queued operation).
type Arena struct {
	mu        sync.Mutex
	buf       []byte
	offset    int
	alignment int
}

// NewArena allocates an arena of sizeBytes, 8-byte aligned by default.
func NewArena(sizeBytes, alignment int) *Arena {
	if alignment <= 0 {
		alignment = 8
	}
	return &Arena{buf: make([]byte, sizeBytes), alignment: alignment}
}

// ErrArenaExhausted is returned when a bump allocation would overflow the
// arena's backing buffer.
var ErrArenaExhausted = fmt.Errorf("accelerator: arena exhausted")

// reserve bumps the offset by n bytes, aligned, and reports whether the
// arena had room. Must be called with mu held.
func (a *Arena) reserve(n int) error {
	aligned := (a.offset + a.alignment - 1) &^ (a.alignment - 1)
	if aligned+n > len(a.buf) {
		return ErrArenaExhausted
	}
	a.offset = aligned + n
	return nil
}

// AllocFloat32 reserves room for n float32s in the arena's budget and
// returns a freshly made slice of that length. The arena's backing buffer
// bounds the budget; the slice itself is ordinary Go memory, since the
// accelerator never receives a raw pointer into it.
func (a *Arena) AllocFloat32(n int) ([]float32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.reserve(n * 4); err != nil {
		return nil, err
	}
	return make([]float32, n), nil
}

// AllocInt32 reserves room for n int32s in the arena's budget and returns a
// freshly made slice of that length.
func (a *Arena) AllocInt32(n int) ([]int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.reserve(n * 4); err != nil {
		return nil, err
	}
	return make([]int32, n), nil
}

// Reset rewinds the arena for reuse by the next queued operation. Arena
// allocations are not individually freed (spec.md §4.6) — only Reset
// reclaims space.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offset = 0
}

// Used reports the number of bytes currently bumped past, for diagnostics.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

// Cap reports the arena's total capacity in bytes.
func (a *Arena) Cap() int {
	return len(a.buf)
}
