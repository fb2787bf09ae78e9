// Package dispatch wires the protocol, classifier, scheduler, streaming
// manager, response registry, and accelerator together behind the single
// entry point described in spec.md §4.6 "Dispatch entry point".
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bc-dunia/npud/internal/accelerator"
	"github.com/bc-dunia/npud/internal/classifier"
	"github.com/bc-dunia/npud/internal/config"
	nerrors "github.com/bc-dunia/npud/internal/errors"
	"github.com/bc-dunia/npud/internal/otel"
	"github.com/bc-dunia/npud/internal/protocol"
	"github.com/bc-dunia/npud/internal/registry"
	"github.com/bc-dunia/npud/internal/scheduler"
	"github.com/bc-dunia/npud/internal/streaming"
)

// transportName renders a transport index the same way transport.Index
// does, without importing the transport package (which already imports
// dispatch, so the reverse import would cycle).
func transportName(transportIndex int) string {
	names := [...]string{"stdio", "http", "websocket", "tcp", "udp"}
	if transportIndex < 0 || transportIndex >= len(names) {
		return "unknown"
	}
	return names[transportIndex]
}

// Sender pushes additional, unsolicited bytes (notifications, stream
// chunks) to the connection that originated a request. Transports that
// support server push (stdio, TCP, WebSocket, HTTP/SSE, UDP) implement it;
// see spec.md §6's per-transport framings.
type Sender interface {
	Send(data []byte) error
}

// Dispatcher is the process-wide wiring point. Exactly one Dispatcher
// exists per server process, matching the accelerator's singleton handle.
type Dispatcher struct {
	engine  accelerator.Engine
	cfg     *config.Config
	sched   *scheduler.Scheduler
	streams *streaming.Manager
	reg     *registry.Registry
	arena   *accelerator.Arena
	logger  *slog.Logger

	mu     sync.Mutex
	handle accelerator.Handle
}

// New wires a Dispatcher from its component parts.
func New(engine accelerator.Engine, cfg *config.Config, sched *scheduler.Scheduler, streams *streaming.Manager, reg *registry.Registry, arena *accelerator.Arena, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:  engine,
		cfg:     cfg,
		sched:   sched,
		streams: streams,
		reg:     reg,
		arena:   arena,
		logger:  logger,
		handle:  accelerator.InvalidHandle,
	}
}

func (d *Dispatcher) currentHandle() accelerator.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

func (d *Dispatcher) setHandle(h accelerator.Handle) {
	d.mu.Lock()
	d.handle = h
	d.mu.Unlock()
}

// Handle runs the full dispatch entry point for one parsed request and
// returns the bytes to write back immediately (nil for notifications,
// which produce no response per spec.md §4.1). transportIndex and connID
// identify the originating connection for the response registry; sender,
// if non-nil, is used to push queued results and stream chunks
// asynchronously once they become available.
func (d *Dispatcher) Handle(ctx context.Context, transportIndex int, connID string, req *protocol.Request, sender Sender) []byte {
	tracer := otel.GetGlobalTracer()
	ctx, span := tracer.StartOperationSpan(ctx, otel.OperationSpanOptions{
		Transport: transportName(transportIndex),
		ConnID:    connID,
		RequestID: req.ID.String(),
		Method:    req.Method,
	})
	defer span.End()

	isNotification := !req.ID.Present()

	if resp, handled := d.handleMeta(req); handled {
		if isNotification {
			return nil
		}
		return resp
	}

	desc, ok := classifier.Lookup(req.Method)
	if !ok {
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, nerrors.New(nerrors.MethodNotFound))
	}

	switch desc.Class {
	case classifier.Instant:
		result, err := d.runInstant(req.Method, req.Params)
		if isNotification {
			return nil
		}
		if err != nil {
			return protocol.FormatErrorFrom(req.ID, err)
		}
		return protocol.FormatResponse(req.ID, result)

	case classifier.AcceleratorQueued:
		return d.runQueued(ctx, transportIndex, connID, req, desc, sender, isNotification)

	case classifier.Streaming:
		return d.runStreaming(ctx, transportIndex, connID, req, sender, isNotification)

	default:
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, nerrors.New(nerrors.Internal))
	}
}

// requireHandle returns NotInitialised if the accelerator has never been
// successfully initialised.
func (d *Dispatcher) requireHandle() (accelerator.Handle, *nerrors.Error) {
	h := d.currentHandle()
	if h == accelerator.InvalidHandle {
		return h, nerrors.New(nerrors.NotInitialised)
	}
	return h, nil
}

func (d *Dispatcher) runQueued(ctx context.Context, transportIndex int, connID string, req *protocol.Request, desc classifier.Descriptor, sender Sender, isNotification bool) []byte {
	requestID := req.ID.String()
	if requestID == "" {
		requestID = fmt.Sprintf("notif-%d", time.Now().UnixNano())
	}

	generation, err := d.reg.Add(requestID, transportIndex, connID)
	if err != nil {
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, nerrors.Wrap(nerrors.Internal, err))
	}

	_, err = d.sched.Enqueue(scheduler.NewTask(req.Method, requestID, req.Params, desc.Class, func(taskCtx context.Context) (any, error) {
		result, execErr := d.execute(taskCtx, req.Method, req.Params)
		d.completeRegistryEntry(requestID, result, execErr)
		return result, execErr
	}))
	if err != nil {
		d.reg.Remove(requestID)
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, nerrors.As(err))
	}

	go d.awaitQueuedResult(requestID, generation, sender)

	if isNotification {
		return nil
	}
	ack, _ := json.Marshal(map[string]any{
		"status":            "queued",
		"queue_position":    d.sched.PendingCount(),
		"estimated_wait_ms": desc.EstimatedMs,
	})
	return protocol.FormatResponse(req.ID, ack)
}

// errorPayload is the shape completeRegistryEntry stores for a failed
// queued task, carrying enough to reconstruct a JSON-RPC error object.
type errorPayload struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// completeRegistryEntry records a queued task's outcome, matching the
// single-worker completion ordering guaranteed by spec.md §5.
func (d *Dispatcher) completeRegistryEntry(requestID string, result any, execErr error) {
	if execErr != nil {
		e := nerrors.As(execErr)
		payload, _ := json.Marshal(errorPayload{Code: e.Code(), Message: e.Message, Data: e.Data})
		d.reg.Complete(requestID, payload, true)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		payload, _ = json.Marshal(errorPayload{Code: nerrors.Code(nerrors.Internal), Message: "failed to marshal result"})
		d.reg.Complete(requestID, payload, true)
		return
	}
	d.reg.Complete(requestID, payload, false)
}

// awaitQueuedResult polls the registry every 50ms (giving up after 600
// polls, about 30s) and, once the entry is completed, pushes the final
// answer to sender as a notification (the
// "eventual (via poll or push)" delivery path in spec.md's scenario 3).
// generation pins this goroutine to the entry Add created for it: if a
// duplicate request overwrites the slot before this one completes, Poll
// returns ErrStaleEntry and this goroutine abandons the wait rather than
// delivering whatever the newer generation produces.
func (d *Dispatcher) awaitQueuedResult(requestID string, generation int, sender Sender) {
	id := protocol.IDFromString(requestID)
	for i := 0; i < 600; i++ {
		entry, err := d.reg.Poll(requestID, generation)
		switch {
		case err == registry.ErrStaleEntry:
			d.logger.Warn("registry: abandoning stale poll, entry was overwritten by a newer request", "request_id", requestID)
			return
		case err == nil && entry.Completed:
			if sender != nil {
				var payload []byte
				if entry.IsError {
					var ep errorPayload
					_ = json.Unmarshal(entry.Result, &ep)
					payload = protocol.FormatError(id, ep.Code, ep.Message, ep.Data)
				} else {
					payload = protocol.FormatResponse(id, entry.Result)
				}
				_ = sender.Send(payload)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
