// Package transport implements the five ingress surfaces described in
// spec.md §6: stdio, HTTP (+SSE), WebSocket, length-prefixed TCP, and
// datagram UDP. Each surface parses a JSON-RPC envelope off the wire, calls
// the dispatcher, and writes back whatever framing its protocol demands;
// none of them know anything about the accelerator, scheduler, or streaming
// internals beyond the dispatch.Sender contract.
package transport

import (
	"context"

	"github.com/bc-dunia/npud/internal/dispatch"
	nerrors "github.com/bc-dunia/npud/internal/errors"
	"github.com/bc-dunia/npud/internal/protocol"
)

// Index identifies which transport accepted a connection, stored alongside
// a queued request in the response registry so the eventual push can be
// routed back to the right surface (spec.md §5).
type Index int

const (
	IndexStdio Index = iota
	IndexHTTP
	IndexWebSocket
	IndexTCP
	IndexUDP
)

func (i Index) String() string {
	switch i {
	case IndexStdio:
		return "stdio"
	case IndexHTTP:
		return "http"
	case IndexWebSocket:
		return "websocket"
	case IndexTCP:
		return "tcp"
	case IndexUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Dispatch is the subset of *dispatch.Dispatcher every transport needs.
// Declaring it here (rather than importing the concrete type everywhere)
// keeps the transports testable against a fake.
type Dispatch interface {
	Handle(ctx context.Context, transportIndex int, connID string, req *protocol.Request, sender dispatch.Sender) []byte
}

// Recorder receives one count per dispatched request, labelled by
// transport. Optional: metrics stays a package-level hook rather than a
// constructor parameter so every transport's signature stays free of it.
type Recorder interface {
	RecordTransportRequest(transport string)
}

var metricsRecorder Recorder

// SetMetrics installs the Recorder every transport reports to. Passing nil
// disables reporting.
func SetMetrics(r Recorder) { metricsRecorder = r }

// ConnTracker receives connection lifecycle events from the persistent
// transports (TCP, WebSocket, HTTP/SSE). stdio and UDP have no discrete
// "connection" to track: stdio is one pipe for the process lifetime and
// UDP is connectionless.
type ConnTracker interface {
	Created(connID string)
	Terminated(connID string)
}

var connTracker ConnTracker

// SetConnTracker installs the ConnTracker every persistent transport
// reports to. Passing nil disables reporting.
func SetConnTracker(t ConnTracker) { connTracker = t }

// handleMessage parses one raw frame, dispatches it (including every
// element of a batch), and returns the bytes to write back — nil if the
// frame carried only notifications. Shared by every transport so framing
// concerns stay out of the JSON-RPC batch/parse-error handling.
func handleMessage(ctx context.Context, d Dispatch, idx Index, connID string, raw []byte, sender dispatch.Sender) []byte {
	result, err := protocol.Parse(raw)
	if err != nil {
		return protocol.FormatErrorFrom(protocol.NullID(), nerrors.As(err))
	}

	if result.Single != nil {
		return dispatchOne(ctx, d, idx, connID, result.Single, sender)
	}

	elements := make([][]byte, 0, len(result.Batch))
	for _, req := range result.Batch {
		if resp := dispatchOne(ctx, d, idx, connID, req, sender); resp != nil {
			elements = append(elements, resp)
		}
	}
	return protocol.BatchResults(elements)
}

func dispatchOne(ctx context.Context, d Dispatch, idx Index, connID string, req *protocol.Request, sender dispatch.Sender) []byte {
	if metricsRecorder != nil {
		metricsRecorder.RecordTransportRequest(idx.String())
	}
	if verr := protocol.Validate(req); verr != nil {
		if !req.ID.Present() {
			return nil
		}
		return protocol.FormatErrorFrom(req.ID, verr)
	}
	return d.Handle(ctx, int(idx), connID, req, sender)
}
