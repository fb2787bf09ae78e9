package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
)

// Stdio reads one JSON-RPC message per line from an input stream and writes
// responses (plus any asynchronously pushed notifications) to an output
// stream, per spec.md §6's stdio framing. It is the transport a process
// manager speaks when it launches the server directly rather than over a
// socket.
type Stdio struct {
	d      Dispatch
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewStdio builds a stdio transport reading in and writing responses to out.
func NewStdio(d Dispatch, in io.Reader, out io.Writer, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{d: d, in: in, out: out, logger: logger}
}

// Send implements dispatch.Sender, pushing an asynchronous chunk or eventual
// result as its own newline-terminated frame.
func (s *Stdio) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	_, err := s.out.Write([]byte("\n"))
	return err
}

// Serve reads lines until the input closes or ctx is cancelled, dispatching
// each one and writing back the immediate response. A single connection ID
// is used for the whole process lifetime, since stdio has exactly one peer.
func (s *Stdio) Serve(ctx context.Context) error {
	const connID = "stdio"
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			if resp := handleMessage(ctx, s.d, IndexStdio, connID, line, s); resp != nil {
				if err := s.Send(resp); err != nil {
					s.logger.Warn("stdio: write failed", "error", err)
				}
			}
		}
	}
}
