package streaming

import (
	"testing"

	"github.com/bc-dunia/npud/internal/accelerator"
)

func testConfig() Config {
	return Config{RingBufferSize: 64, ChunkQueueSize: 4, AccumulatorMul: 2}
}

func TestCreateRejectsWhenFull(t *testing.T) {
	m := NewManager(1, testConfig(), nil, nil)
	if _, err := m.Create("req-1"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create("req-2"); err == nil {
		t.Fatal("second Create should fail while the first session holds the stream slot")
	}
}

func TestDriveStateMachine(t *testing.T) {
	m := NewManager(4, testConfig(), nil, nil)
	s, err := m.Create("req-1")
	if err != nil {
		t.Fatal(err)
	}

	if got := s.State(); got != Idle {
		t.Fatalf("initial state = %v, want Idle", got)
	}

	m.Drive(s, accelerator.TokenResult{Text: "hello ", State: accelerator.CallNormal})
	if got := s.State(); got != Streaming {
		t.Fatalf("state after Normal = %v, want Streaming", got)
	}

	m.Drive(s, accelerator.TokenResult{Text: "world", State: accelerator.CallFinish})
	if got := s.State(); got != Finished {
		t.Fatalf("state after Finish = %v, want Finished", got)
	}

	if m.ActiveCount() != 0 {
		t.Fatal("session should be torn down after Finish")
	}
}

func TestDriveDeliversChunksInOrder(t *testing.T) {
	m := NewManager(4, testConfig(), nil, nil)
	s, _ := m.Create("req-1")

	m.Drive(s, accelerator.TokenResult{Text: "a", State: accelerator.CallNormal})
	m.Drive(s, accelerator.TokenResult{Text: "b", State: accelerator.CallNormal})
	m.Drive(s, accelerator.TokenResult{Text: "c", State: accelerator.CallFinish})

	c1, ok := s.TryNextChunk()
	if !ok || c1.Delta != "a" || c1.Seq != 0 {
		t.Fatalf("chunk 1 = %+v, ok=%v", c1, ok)
	}
	c2, ok := s.TryNextChunk()
	if !ok || c2.Delta != "b" || c2.Seq != 1 {
		t.Fatalf("chunk 2 = %+v, ok=%v", c2, ok)
	}
	c3, ok := s.TryNextChunk()
	if !ok || c3.Delta != "c" || !c3.End {
		t.Fatalf("chunk 3 = %+v, ok=%v, want End=true", c3, ok)
	}
}

func TestPauseWithholdsChunkDelivery(t *testing.T) {
	m := NewManager(4, testConfig(), nil, nil)
	s, _ := m.Create("req-1")

	m.Drive(s, accelerator.TokenResult{Text: "a", State: accelerator.CallNormal})
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	m.Drive(s, accelerator.TokenResult{Text: "b", State: accelerator.CallNormal})

	if _, ok := s.TryNextChunk(); !ok {
		t.Fatal("expected the pre-pause chunk to have been delivered")
	}
	if _, ok := s.TryNextChunk(); ok {
		t.Fatal("no chunk should be delivered while paused")
	}

	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	m.Drive(s, accelerator.TokenResult{Text: "c", State: accelerator.CallFinish})
	if _, ok := s.TryNextChunk(); !ok {
		t.Fatal("expected a chunk after resume")
	}
}

func TestAbortedSessionRejectsFurtherCallbacks(t *testing.T) {
	m := NewManager(4, testConfig(), nil, nil)
	s, _ := m.Create("req-1")
	s.Abort()

	if abort := m.Drive(s, accelerator.TokenResult{Text: "x", State: accelerator.CallNormal}); !abort {
		t.Fatal("Drive should report abort for an already-aborted session")
	}
}

func TestRingBufferOverflowIncrementsDroppedCounter(t *testing.T) {
	cfg := Config{RingBufferSize: 4, ChunkQueueSize: 4, AccumulatorMul: 2}
	m := NewManager(4, cfg, nil, nil)
	s, _ := m.Create("req-1")

	m.Drive(s, accelerator.TokenResult{Text: "toolongforthering", State: accelerator.CallFinish})
	if s.Stats().DroppedChunks == 0 {
		t.Fatal("expected DroppedChunks to be incremented on ring overflow")
	}
}
