package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bc-dunia/npud/internal/accelerator"
	"github.com/bc-dunia/npud/internal/config"
	"github.com/bc-dunia/npud/internal/protocol"
	"github.com/bc-dunia/npud/internal/registry"
	"github.com/bc-dunia/npud/internal/scheduler"
	"github.com/bc-dunia/npud/internal/streaming"
)

type fakeSender struct {
	mu  chan struct{}
	out [][]byte
}

func newFakeSender() *fakeSender { return &fakeSender{mu: make(chan struct{}, 64)} }

func (f *fakeSender) Send(data []byte) error {
	f.out = append(f.out, data)
	f.mu <- struct{}{}
	return nil
}

func (f *fakeSender) waitFor(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for len(f.out) < n {
		select {
		case <-f.mu:
		case <-deadline:
			return false
		}
	}
	return true
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.RequestTimeout = 2 * time.Second
	cfg.Worker.ShutdownGrace = time.Second
	sched := scheduler.New(cfg.Worker.QueueCapacity, cfg.Worker.RequestTimeout, cfg.Worker.ShutdownGrace, nil)
	t.Cleanup(sched.Shutdown)

	streamCfg := streaming.Config{
		RingBufferSize: cfg.Streaming.RingBufferSize,
		ChunkQueueSize: cfg.Streaming.ChunkQueueSize,
		AccumulatorMul: cfg.Streaming.AccumulatorMul,
	}
	streams := streaming.NewManager(cfg.Streaming.MaxSessions, streamCfg, nil, nil)
	reg := registry.New(cfg.Registry.Capacity, cfg.Registry.TTL, cfg.Registry.SweepInterval, nil)
	arena := accelerator.NewArena(cfg.Arena.SizeBytes, cfg.Arena.Alignment)
	engine := accelerator.NewFakeEngine(0)

	return New(engine, cfg, sched, streams, reg, arena, nil)
}

func parseReq(t *testing.T, raw string) *protocol.Request {
	t.Helper()
	pr, err := protocol.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return pr.Single
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	req := parseReq(t, `{"jsonrpc":"2.0","id":1,"method":"no_such_thing","params":{}}`)

	resp := d.Handle(context.Background(), 0, "conn-1", req, nil)

	var parsed protocol.Response
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Error == nil || parsed.Error.Code != -32601 {
		t.Fatalf("response = %s, want error code -32601", resp)
	}
}

func TestInstantMethodOnUninitialisedAccelerator(t *testing.T) {
	d := newTestDispatcher(t)
	req := parseReq(t, `{"jsonrpc":"2.0","id":2,"method":"clear_kv_cache","params":{}}`)

	resp := d.Handle(context.Background(), 0, "conn-1", req, nil)

	var parsed protocol.Response
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Error == nil || parsed.Error.Code != -32010 {
		t.Fatalf("response = %s, want error code -32010 (NotInitialised)", resp)
	}
}

func TestQueuedInitAcceptsThenCompletes(t *testing.T) {
	d := newTestDispatcher(t)
	req := parseReq(t, `{"jsonrpc":"2.0","id":3,"method":"init","params":{"model_path":"/tmp/m.bin"}}`)

	sender := newFakeSender()
	resp := d.Handle(context.Background(), 0, "conn-1", req, sender)

	var ack protocol.Response
	if err := json.Unmarshal(resp, &ack); err != nil {
		t.Fatal(err)
	}
	var ackResult map[string]any
	_ = json.Unmarshal(ack.Result, &ackResult)
	if ackResult["status"] != "queued" {
		t.Fatalf("immediate ack = %s, want status=queued", resp)
	}

	if !sender.waitFor(1, 2*time.Second) {
		t.Fatal("timed out waiting for eventual init result")
	}
	var final protocol.Response
	if err := json.Unmarshal(sender.out[0], &final); err != nil {
		t.Fatal(err)
	}
	if final.Error != nil {
		t.Fatalf("eventual result had error: %+v", final.Error)
	}
	var result map[string]any
	_ = json.Unmarshal(final.Result, &result)
	if _, ok := result["handle_id"]; !ok {
		t.Fatalf("eventual result = %s, want handle_id", sender.out[0])
	}
}

func TestParameterShapeErrorOnInit(t *testing.T) {
	d := newTestDispatcher(t)
	req := parseReq(t, `{"jsonrpc":"2.0","id":5,"method":"init","params":{"model_path":"/tmp/m.bin","params":{"max_context_len":"not_a_number"}}}`)

	sender := newFakeSender()
	resp := d.Handle(context.Background(), 0, "conn-1", req, sender)

	var ack protocol.Response
	if err := json.Unmarshal(resp, &ack); err != nil {
		t.Fatal(err)
	}
	var ackResult map[string]any
	_ = json.Unmarshal(ack.Result, &ackResult)
	if ackResult["status"] != "queued" {
		t.Fatal("malformed nested params are only caught once the task runs")
	}

	if !sender.waitFor(1, 2*time.Second) {
		t.Fatal("timed out waiting for eventual error")
	}
	var final protocol.Response
	if err := json.Unmarshal(sender.out[0], &final); err != nil {
		t.Fatal(err)
	}
	if final.Error == nil || final.Error.Code != -32602 {
		t.Fatalf("eventual result = %s, want InvalidParams", sender.out[0])
	}
}

func TestStreamingRunProducesChunksEndingTrue(t *testing.T) {
	d := newTestDispatcher(t)

	initReq := parseReq(t, `{"jsonrpc":"2.0","id":10,"method":"init","params":{"model_path":"/tmp/m.bin"}}`)
	sender := newFakeSender()
	d.Handle(context.Background(), 0, "conn-1", initReq, sender)
	if !sender.waitFor(1, 2*time.Second) {
		t.Fatal("init never completed")
	}

	streamSender := newFakeSender()
	runReq := parseReq(t, `{"jsonrpc":"2.0","id":4,"method":"run_async","params":{"prompt":"hi there"}}`)
	resp := d.Handle(context.Background(), 0, "conn-1", runReq, streamSender)

	var ack protocol.Response
	if err := json.Unmarshal(resp, &ack); err != nil {
		t.Fatal(err)
	}
	var ackResult map[string]any
	_ = json.Unmarshal(ack.Result, &ackResult)
	if ackResult["status"] != "streaming" {
		t.Fatalf("ack = %s, want status=streaming", resp)
	}

	if !streamSender.waitFor(1, 2*time.Second) {
		t.Fatal("timed out waiting for streaming chunks")
	}
	// Drain until the final (end=true) chunk arrives.
	deadline := time.After(2 * time.Second)
	var sawEnd bool
	for !sawEnd {
		if !streamSender.waitFor(len(streamSender.out)+0, 0) {
		}
		for _, raw := range streamSender.out {
			var n protocol.Notification
			_ = json.Unmarshal(raw, &n)
			var params protocol.StreamChunkParams
			_ = json.Unmarshal(n.Params, &params)
			if params.End {
				sawEnd = true
			}
		}
		if sawEnd {
			break
		}
		select {
		case <-streamSender.mu:
		case <-deadline:
			t.Fatal("never saw end=true chunk")
		}
	}
}

func TestAbortDuringStreamMovesSessionToAborted(t *testing.T) {
	d := newTestDispatcher(t)
	d.engine = accelerator.NewFakeEngine(20 * time.Millisecond)

	initReq := parseReq(t, `{"jsonrpc":"2.0","id":11,"method":"init","params":{"model_path":"/tmp/m.bin"}}`)
	initSender := newFakeSender()
	d.Handle(context.Background(), 0, "conn-1", initReq, initSender)
	if !initSender.waitFor(1, 2*time.Second) {
		t.Fatal("init never completed")
	}

	streamSender := newFakeSender()
	runReq := parseReq(t, `{"jsonrpc":"2.0","id":12,"method":"run_async","params":{"prompt":"one two three four five"}}`)
	d.Handle(context.Background(), 0, "conn-1", runReq, streamSender)

	// Let the stream get underway, then abort it mid-flight.
	time.Sleep(15 * time.Millisecond)
	_, _ = d.runInstant("abort", nil)

	// The "abort" RPC must land the session in Aborted specifically, not
	// merely some terminal state, per spec.md scenario 6.
	deadline := time.After(2 * time.Second)
	sess, ok := d.streams.Get("stream_12")
	if !ok {
		t.Fatal("session was torn down before we could observe its terminal state")
	}
	for {
		st := sess.State()
		if st == streaming.Aborted {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("session never reached Aborted, stuck at %s", st)
		}
	}
}

func TestListFunctionsMetaMethod(t *testing.T) {
	d := newTestDispatcher(t)
	req := parseReq(t, `{"jsonrpc":"2.0","id":20,"method":"list_functions","params":{}}`)
	resp := d.Handle(context.Background(), 0, "conn-1", req, nil)
	if !strings.Contains(string(resp), "run_async") {
		t.Fatalf("list_functions response = %s, want it to include run_async", resp)
	}
}
