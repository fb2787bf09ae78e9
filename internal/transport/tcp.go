package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// maxFrameBytes bounds a single length-prefixed frame to guard against a
// corrupt or hostile length header forcing an unbounded allocation.
const maxFrameBytes = 64 * 1024 * 1024

// TCP serves JSON-RPC over persistent TCP connections framed as a 4-byte
// little-endian length prefix followed by that many bytes of message body,
// per spec.md §6's TCP framing.
type TCP struct {
	d      Dispatch
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	nextConn int64
	wg       sync.WaitGroup
	ready    chan struct{}
}

// NewTCP builds a TCP transport; the listen address (e.g. ":7000") is
// passed to Serve.
func NewTCP(d Dispatch, logger *slog.Logger) *TCP {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCP{d: d, logger: logger, ready: make(chan struct{})}
}

// Addr blocks until Serve has bound its listener, then returns its address.
// Used by callers that start Serve with port 0 and need the chosen port
// (and by tests).
func (t *TCP) Addr() net.Addr {
	<-t.ready
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener.Addr()
}

// Serve listens on addr and accepts connections until ctx is cancelled.
func (t *TCP) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
	close(t.ready)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	t.logger.Info("tcp transport listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				t.wg.Wait()
				return ctx.Err()
			default:
				return err
			}
		}
		t.mu.Lock()
		t.nextConn++
		connID := fmt.Sprintf("tcp-%d", t.nextConn)
		t.mu.Unlock()

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveConn(ctx, connID, conn)
		}()
	}
}

type tcpConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *tcpConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, data)
}

func writeFrame(w io.Writer, data []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func (t *TCP) serveConn(ctx context.Context, connID string, netConn net.Conn) {
	defer netConn.Close()
	if connTracker != nil {
		connTracker.Created(connID)
		defer connTracker.Terminated(connID)
	}
	sender := &tcpConn{conn: netConn}

	for {
		var header [4]byte
		if _, err := io.ReadFull(netConn, header[:]); err != nil {
			if err != io.EOF {
				t.logger.Debug("tcp: connection closed", "conn_id", connID, "error", err)
			}
			return
		}
		n := binary.LittleEndian.Uint32(header[:])
		if n > maxFrameBytes {
			t.logger.Warn("tcp: oversized frame rejected", "conn_id", connID, "declared_bytes", n)
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(netConn, body); err != nil {
			t.logger.Debug("tcp: short read", "conn_id", connID, "error", err)
			return
		}

		if resp := handleMessage(ctx, t.d, IndexTCP, connID, body, sender); resp != nil {
			if err := sender.Send(resp); err != nil {
				t.logger.Warn("tcp: write failed", "conn_id", connID, "error", err)
				return
			}
		}
	}
}

// Close stops accepting new connections. In-flight connections are left to
// drain on their own via ctx cancellation in Serve.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
