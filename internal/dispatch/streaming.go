package dispatch

import (
	"context"
	"encoding/json"

	"github.com/bc-dunia/npud/internal/accelerator"
	"github.com/bc-dunia/npud/internal/classifier"
	nerrors "github.com/bc-dunia/npud/internal/errors"
	"github.com/bc-dunia/npud/internal/protocol"
	"github.com/bc-dunia/npud/internal/scheduler"
	"github.com/bc-dunia/npud/internal/streaming"
)

// runStreaming implements spec.md §4.6 dispatch step 6 and §9's resolution
// of run_async's dual classification: Streaming at the dispatch layer,
// AcceleratorQueued at the scheduler layer. The scheduler worker both
// drives the accelerator call and the streaming callback on the same
// goroutine, returning to Idle only once the session reaches a terminal
// state.
func (d *Dispatcher) runStreaming(ctx context.Context, transportIndex int, connID string, req *protocol.Request, sender Sender, isNotification bool) []byte {
	h, nerr := d.requireHandle()
	if nerr != nil {
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, nerr)
	}

	requestID := req.ID.String()
	session, err := d.streams.Create(requestID)
	if err != nil {
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, nerrors.New(nerrors.Busy).WithData(map[string]any{"reason": err.Error()}))
	}

	input, ierr := accelerator.ResolveInput(req.Params)
	if ierr != nil {
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, ierr)
	}
	resolved, perr := accelerator.ResolveParams(d.engine.CreateDefaultParams(), d.cfg.Accelerator, req.Params)
	if perr != nil {
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, perr)
	}
	if cerr := accelerator.CheckAndClamp(&resolved, d.logger); cerr != nil {
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, cerr)
	}

	if sender != nil {
		go d.pumpChunks(req.Method, session, sender)
	}

	_, enqErr := d.sched.Enqueue(scheduler.NewTask(req.Method, requestID, req.Params, classifier.Streaming, func(taskCtx context.Context) (any, error) {
		runErr := d.engine.RunAsync(taskCtx, h, input, resolved, func(tok accelerator.TokenResult) bool {
			return d.streams.Drive(session, tok)
		})
		if runErr != nil {
			session.Abort()
			return nil, nerrors.Wrap(nerrors.InferenceError, runErr)
		}
		return nil, nil
	}))
	if enqErr != nil {
		session.Abort()
		if isNotification {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, nerrors.As(enqErr))
	}

	if isNotification {
		return nil
	}
	ack, _ := json.Marshal(map[string]any{"status": "streaming", "session_id": session.ID})
	return protocol.FormatResponse(req.ID, ack)
}

// pumpChunks drains a session's chunk queue and pushes each one to the
// connection as a notification, until the queue is closed at tear-down
// (spec.md §4.4 "Tear-down").
func (d *Dispatcher) pumpChunks(method string, session *streaming.Session, sender Sender) {
	for {
		chunk, ok := session.NextChunk()
		if !ok {
			return
		}
		payload := protocol.FormatStreamChunk(method, chunk.RequestID, chunk.Seq, chunk.Delta, chunk.End, chunk.Error)
		if err := sender.Send(payload); err != nil {
			d.logger.Warn("streaming: failed to push chunk to connection", "session_id", session.ID, "error", err)
		}
		if chunk.End {
			return
		}
	}
}
