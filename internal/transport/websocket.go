package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket serves JSON-RPC as one text frame per message over a
// persistent WebSocket connection, per spec.md §6. A keep-alive ping is
// sent on KeepAliveInterval so idle streaming sessions aren't reaped by
// intermediate proxies.
type WebSocket struct {
	d      Dispatch
	logger *slog.Logger
	up     websocket.Upgrader

	keepAlive time.Duration
}

// NewWebSocket builds a WebSocket transport. keepAlive of zero disables
// pings.
func NewWebSocket(d Dispatch, keepAlive time.Duration, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		d:      d,
		logger: logger,
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The accelerator is reached over loopback-bound transports in
			// the reference deployment; browsers connecting cross-origin
			// are not part of this server's threat model.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		keepAlive: keepAlive,
	}
}

// Handler returns an http.Handler suitable for mounting on a ServeMux,
// upgrading each incoming request to a WebSocket connection.
func (w *WebSocket) Handler() http.Handler {
	var nextConn int64
	var mu sync.Mutex

	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := w.up.Upgrade(rw, r, nil)
		if err != nil {
			w.logger.Warn("websocket: upgrade failed", "error", err)
			return
		}
		mu.Lock()
		nextConn++
		connID := fmt.Sprintf("ws-%d", nextConn)
		mu.Unlock()

		w.serveConn(r.Context(), connID, conn)
	})
}

type wsSender struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSender) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebSocket) serveConn(ctx context.Context, connID string, conn *websocket.Conn) {
	defer conn.Close()
	if connTracker != nil {
		connTracker.Created(connID)
		defer connTracker.Terminated(connID)
	}
	sender := &wsSender{conn: conn}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.keepAlive > 0 {
		go w.pingLoop(connCtx, sender, w.keepAlive)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			w.logger.Debug("websocket: connection closed", "conn_id", connID, "error", err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		if resp := handleMessage(connCtx, w.d, IndexWebSocket, connID, data, sender); resp != nil {
			if err := sender.Send(resp); err != nil {
				w.logger.Warn("websocket: write failed", "conn_id", connID, "error", err)
				return
			}
		}
	}
}

func (w *WebSocket) pingLoop(ctx context.Context, sender *wsSender, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sender.writeMu.Lock()
			err := sender.conn.WriteMessage(websocket.PingMessage, nil)
			sender.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
