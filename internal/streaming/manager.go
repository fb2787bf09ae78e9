package streaming

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bc-dunia/npud/internal/accelerator"
	"github.com/bc-dunia/npud/internal/scheduler"
)

// Manager is the process-wide streaming session table, bounded to
// maxSessions slots (see NewManager), mirroring rkllm_stream_manager_t.
type Manager struct {
	cfg    Config
	max    int
	slot   *scheduler.StreamSlot
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager with the given capacity, buffer
// sizing, and the shared stream slot it must hold for the duration of
// every session (spec.md §9 item 3: "one stream at a time").
func NewManager(maxSessions int, cfg Config, slot *scheduler.StreamSlot, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSessions <= 0 {
		maxSessions = 16
	}
	if slot == nil {
		slot = scheduler.NewStreamSlot()
	}
	return &Manager{
		cfg:      cfg,
		max:      maxSessions,
		slot:     slot,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a new session slot keyed "stream_<requestID>", per
// spec.md §4.4. Returns an error if every slot is occupied, or if another
// Streaming/Initialising session already holds the scheduler's single
// in-flight accelerator slot (spec.md §9 item 3).
func (m *Manager) Create(requestID string) (*Session, error) {
	if !m.slot.TryAcquire() {
		return nil, fmt.Errorf("streaming: accelerator already has a stream in flight")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.max {
		m.slot.Release()
		return nil, fmt.Errorf("streaming: no free session slot (capacity %d)", m.max)
	}
	id := "stream_" + requestID
	if _, exists := m.sessions[id]; exists {
		m.slot.Release()
		return nil, fmt.Errorf("streaming: session %s already exists", id)
	}
	s := newSession(id, requestID, m.cfg)
	m.sessions[id] = s
	m.logger.Debug("streaming session created", "session_id", id, "active", len(m.sessions))
	return s, nil
}

// Get looks up a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// ActiveCount reports how many session slots are occupied.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AbortActive forces every session not already in a terminal state into
// Aborted, per spec.md scenario 6: an "abort" RPC must land the session in
// Aborted specifically, within one callback, regardless of which state it
// was in. The scheduler serialises the accelerator to one in-flight
// operation, so in practice there is at most one such session, but this
// walks the whole table rather than assuming that invariant holds.
func (m *Manager) AbortActive() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Abort()
	}
}

// destroy releases a session's slot. Must be called after the session has
// reached a terminal state and its chunk queue has been closed.
func (m *Manager) destroy(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	m.slot.Release()
	m.logger.Debug("streaming session destroyed", "session_id", sessionID, "active", len(m.sessions))
}

// Drive runs the 7-step callback contract (spec.md §4.4) for every token
// the accelerator produces for this session's generation, then tears the
// session down. It is invoked inline on the scheduler's worker goroutine —
// the same goroutine that calls the accelerator's RunAsync — exactly as
// original_source's rkllm_enhanced_streaming_callback runs on the
// accelerator's own calling thread.
func (m *Manager) Drive(s *Session, result accelerator.TokenResult) (abort bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 2: reject if the session already left the callback's control.
	// An external Abort() (the "abort" RPC) sets Aborted directly, ahead of
	// whatever token the accelerator callback is mid-delivery of; tear down
	// here rather than waiting for a CallFinish/CallError that may never
	// come if the accelerator itself is slow to notice the abort.
	if s.state == Aborted {
		s.chunks.enqueue(Chunk{
			SessionID: s.ID,
			RequestID: s.RequestID,
			Seq:       s.nextSeq,
			End:       true,
			Error:     "aborted",
		})
		s.nextSeq++
		s.chunks.close()
		m.destroy(s.ID)
		return true
	}

	// Step 3: append the fragment to the ring buffer.
	wrote, overflowed := s.ring.write([]byte(result.Text))
	_ = wrote
	if overflowed {
		s.stats.DroppedChunks++
		s.lastError = "ring buffer overflow"
	}

	// Step 4: append to the accumulator, capped.
	if len(s.accumulator) < s.accumCap {
		room := s.accumCap - len(s.accumulator)
		frag := result.Text
		if len(frag) > room {
			frag = frag[:room]
		}
		s.accumulator = append(s.accumulator, frag...)
	}

	isFinal := result.State == accelerator.CallFinish || result.State == accelerator.CallError

	// Step 5: deliver a chunk, unless paused — paused withholds delivery
	// at the chunk layer while the ring buffer keeps filling (spec.md
	// §4.4: "the pause is implemented at the chunk-delivery layer").
	if s.state != Paused {
		delta := string(s.ring.drain())
		seq := s.nextSeq
		s.nextSeq++
		errMsg := ""
		if result.State == accelerator.CallError {
			errMsg = s.lastError
			if errMsg == "" {
				errMsg = "accelerator reported an error"
			}
		}
		s.chunks.enqueue(Chunk{
			SessionID: s.ID,
			RequestID: s.RequestID,
			Seq:       seq,
			Delta:     delta,
			End:       isFinal,
			Error:     errMsg,
		})
	}

	// Step 6: update counters.
	if result.Text != "" {
		s.stats.TotalTokens++
	}
	now := time.Now()
	s.stats.LastTokenAt = now
	if elapsed := now.Sub(s.stats.StartedAt).Seconds(); elapsed > 0 {
		s.stats.TokensPerSecond = float64(s.stats.TotalTokens) / elapsed
	}

	// Step 7: state transition.
	switch result.State {
	case accelerator.CallNormal:
		if s.state == Idle || s.state == Initialising {
			s.state = Streaming
		}
	case accelerator.CallWaiting:
		if s.state == Idle {
			s.state = Initialising
		}
	case accelerator.CallFinish:
		s.state = Finished
	case accelerator.CallError:
		s.state = Error
	}
	s.stateChanged.Broadcast()

	if isFinal {
		s.chunks.close()
		m.destroy(s.ID)
	}

	return false
}
