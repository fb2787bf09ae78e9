package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bc-dunia/npud/internal/dispatch"
	"github.com/bc-dunia/npud/internal/protocol"
)

// fakeDispatch echoes the method name back as the result, recording the
// transport index and connection id it was called with.
type fakeDispatch struct {
	lastIndex int
	lastConn  string
}

func (f *fakeDispatch) Handle(ctx context.Context, transportIndex int, connID string, req *protocol.Request, sender dispatch.Sender) []byte {
	f.lastIndex = transportIndex
	f.lastConn = connID
	if !req.ID.Present() {
		return nil
	}
	result, _ := json.Marshal(map[string]string{"echo": req.Method})
	return protocol.FormatResponse(req.ID, result)
}

func TestTCPRoundTrip(t *testing.T) {
	fd := &fakeDispatch{}
	srv := NewTCP(fd, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx, "127.0.0.1:0")
	addr := srv.Addr().String()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}`)
	if err := writeFrame(conn, req); err != nil {
		t.Fatal(err)
	}

	var header [4]byte
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(conn, header[:]); err != nil {
		t.Fatal(err)
	}
	n := binary.LittleEndian.Uint32(header[:])
	body := make([]byte, n)
	if _, err := readFull(conn, body); err != nil {
		t.Fatal(err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	var result map[string]string
	_ = json.Unmarshal(resp.Result, &result)
	if result["echo"] != "ping" {
		t.Fatalf("result = %v, want echo=ping", result)
	}
	if fd.lastIndex != int(IndexTCP) {
		t.Fatalf("transport index = %d, want %d", fd.lastIndex, IndexTCP)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestUDPRoundTrip(t *testing.T) {
	fd := &fakeDispatch{}
	srv := NewUDP(fd, 2, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx, "127.0.0.1:0")
	addr := srv.Addr().(*net.UDPAddr)

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := []byte(`{"jsonrpc":"2.0","id":"abc","method":"ping","params":{}}`)
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, maxDatagramBytes)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID.String() != "abc" {
		t.Fatalf("id = %q, want abc", resp.ID.String())
	}
}

func TestStdioRoundTrip(t *testing.T) {
	fd := &fakeDispatch{}
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}` + "\n")
	var out bytes.Buffer
	s := NewStdio(fd, in, &out, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Serve(ctx)

	if !strings.Contains(out.String(), `"echo":"ping"`) {
		t.Fatalf("stdout = %q, want it to contain echo:ping", out.String())
	}
	if fd.lastConn != "stdio" {
		t.Fatalf("conn id = %q, want stdio", fd.lastConn)
	}
}
