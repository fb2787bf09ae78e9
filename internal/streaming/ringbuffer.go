package streaming

// ringBuffer is a fixed-capacity byte ring, grounded on
// original_source's rkllm_streaming_buffer_t: a circular buffer with
// write/read cursors and an overflow flag rather than an unbounded
// allocation, since each session's memory footprint is bounded by
// config.StreamingConfig.RingBufferSize.
type ringBuffer struct {
	buf          []byte
	writePos     int
	readPos      int
	available    int
	overflow     bool
	droppedBytes uint64
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = 16 * 1024
	}
	return &ringBuffer{buf: make([]byte, size)}
}

// write appends data to the ring. If it would overflow the buffer, as many
// bytes as fit are written, the remainder is dropped, and overflow is set
// (spec.md §4.4 step 3: "increments a dropped-chunk counter and signals a
// soft error on the stream" rather than blocking the accelerator thread).
func (r *ringBuffer) write(data []byte) (wrote int, overflowed bool) {
	free := len(r.buf) - r.available
	n := len(data)
	if n > free {
		overflowed = true
		r.overflow = true
		r.droppedBytes += uint64(n - free)
		n = free
	}
	for i := 0; i < n; i++ {
		r.buf[r.writePos] = data[i]
		r.writePos = (r.writePos + 1) % len(r.buf)
	}
	r.available += n
	return n, overflowed
}

// drain removes and returns everything currently buffered.
func (r *ringBuffer) drain() []byte {
	if r.available == 0 {
		return nil
	}
	out := make([]byte, r.available)
	for i := 0; i < r.available; i++ {
		out[i] = r.buf[r.readPos]
		r.readPos = (r.readPos + 1) % len(r.buf)
	}
	r.available = 0
	return out
}
