package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzhttp"
)

const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"

	maxHTTPBodyBytes = 16 * 1024 * 1024
)

// HTTP serves JSON-RPC over a single POST endpoint. A caller that sends
// Accept: text/event-stream keeps the connection open and receives every
// asynchronous push (queued result, stream chunks) as SSE "stream_chunk" events,
// mirroring the streamable-HTTP framing in spec.md §6; a plain caller gets
// one JSON body back and the connection closes.
type HTTP struct {
	d        Dispatch
	logger   *slog.Logger
	nextConn int64
}

// NewHTTP builds an HTTP transport.
func NewHTTP(d Dispatch, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{d: d, logger: logger}
}

// Handler returns the gzip-wrapped HTTP handler to mount on a server.
func (h *HTTP) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", h.serveRPC)
	return gzhttp.GzipHandler(mux)
}

func (h *HTTP) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxHTTPBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	connID := fmt.Sprintf("http-%d", atomic.AddInt64(&h.nextConn, 1))
	wantsStream := strings.Contains(r.Header.Get(headerAccept), contentTypeSSE)

	if !wantsStream {
		w.Header().Set(headerContentType, contentTypeJSON)
		if resp := handleMessage(r.Context(), h.d, IndexHTTP, connID, body, nil); resp != nil {
			w.Write(resp)
		}
		return
	}

	h.serveSSE(w, r, connID, body)
}

// sseSender implements dispatch.Sender by writing each push as a
// stream_chunk SSE event on the still-open response connection, per
// spec.md §6: "id:, event: stream_chunk, data: {...}, blank line
// terminator".
type sseSender struct {
	w       http.ResponseWriter
	flusher http.Flusher
	writeMu sync.Mutex
	done    chan struct{}
	nextID  int64
}

func (s *sseSender) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return fmt.Errorf("sse: connection closed")
	default:
	}
	s.nextID++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: stream_chunk\ndata: %s\n\n", s.nextID, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (h *HTTP) serveSSE(w http.ResponseWriter, r *http.Request, connID string, body []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set(headerContentType, contentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sender := &sseSender{w: w, flusher: flusher, done: make(chan struct{})}
	defer close(sender.done)
	if connTracker != nil {
		connTracker.Created(connID)
		defer connTracker.Terminated(connID)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if resp := handleMessage(ctx, h.d, IndexHTTP, connID, body, sender); resp != nil {
		_ = sender.Send(resp)
	}

	// Hold the connection open for any further pushes (queued completion,
	// streaming chunks) until the client disconnects.
	<-ctx.Done()
	h.logger.Debug("http: sse connection closed", "conn_id", connID)
}
