// Package streaming manages the lifecycle of Streaming-class operations:
// it multiplexes the accelerator's single callback stream into per-session
// ring buffers and per-transport chunk emissions, per original_source's
// rkllm_streaming_context.c design (spec.md §4.4).
package streaming

import (
	"fmt"
	"sync"
	"time"
)

// State is a streaming session's lifecycle stage.
type State int

const (
	Idle State = iota
	Initialising
	Streaming
	Paused
	Finished
	Error
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initialising:
		return "initialising"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	case Error:
		return "error"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Chunk is one formatted fragment ready for transport emission.
type Chunk struct {
	SessionID string
	RequestID string
	Seq       uint64
	Delta     string
	End       bool
	Error     string
}

// Stats mirrors rkllm_stream_context_t's statistics fields.
type Stats struct {
	TotalTokens     uint64
	DroppedChunks   uint64
	StartedAt       time.Time
	LastTokenAt     time.Time
	TokensPerSecond float64
}

// Session is one streaming generation in flight, owning a ring buffer, an
// accumulator, and a bounded chunk queue drained by one transport.
type Session struct {
	ID        string
	RequestID string

	cfg Config

	mu    sync.Mutex
	state State

	ring        *ringBuffer
	accumulator []byte
	accumCap    int

	chunks    *chunkQueue
	nextSeq   uint64
	lastError string

	stats Stats

	stateChanged *sync.Cond
}

// Config sizes a session's buffers; mirrors config.StreamingConfig.
type Config struct {
	RingBufferSize int
	ChunkQueueSize int
	AccumulatorMul int
}

func newSession(id, requestID string, cfg Config) *Session {
	s := &Session{
		ID:          id,
		RequestID:   requestID,
		cfg:         cfg,
		state:       Idle,
		ring:        newRingBuffer(cfg.RingBufferSize),
		accumulator: make([]byte, 0, cfg.RingBufferSize*max(cfg.AccumulatorMul, 1)),
		accumCap:    cfg.RingBufferSize * max(cfg.AccumulatorMul, 1),
		chunks:      newChunkQueue(cfg.ChunkQueueSize),
		stats:       Stats{StartedAt: time.Now()},
	}
	s.stateChanged = sync.NewCond(&s.mu)
	return s
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats snapshots the session's token/throughput counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Pause withholds further chunk delivery without touching the accelerator
// callback (spec.md §4.4: "the accelerator does not honour pause in its
// ABI"). Only valid from Streaming.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Streaming {
		return fmt.Errorf("streaming: cannot pause session %s in state %s", s.ID, s.state)
	}
	s.state = Paused
	s.stateChanged.Broadcast()
	return nil
}

// Resume reverses Pause, returning the session to Streaming.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return fmt.Errorf("streaming: cannot resume session %s in state %s", s.ID, s.state)
	}
	s.state = Streaming
	s.stateChanged.Broadcast()
	return nil
}

// Abort forces the session into the terminal Aborted state from any state,
// per the state diagram in spec.md §4.4.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Aborted
	s.stateChanged.Broadcast()
}

// Accumulated returns the full response text accumulated so far (capped;
// excess beyond accumCap is silently truncated, per spec.md §4.4 step 4 —
// the ring buffer, not the accumulator, drives the wire output).
func (s *Session) Accumulated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.accumulator)
}

// NextChunk blocks until a chunk is available or the queue is closed,
// returning (chunk, true) or (Chunk{}, false) once drained and closed.
func (s *Session) NextChunk() (Chunk, bool) {
	return s.chunks.dequeue()
}

// TryNextChunk is the non-blocking counterpart to NextChunk, used by
// poll-style transports.
func (s *Session) TryNextChunk() (Chunk, bool) {
	return s.chunks.tryDequeue()
}
