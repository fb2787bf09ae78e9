// Package protocol implements the JSON-RPC 2.0 envelope: parsing incoming
// requests/notifications/batches and formatting responses, errors,
// notifications, and streaming chunks.
package protocol

import (
	"bytes"
	"encoding/json"

	nerrors "github.com/bc-dunia/npud/internal/errors"
)

const Version = "2.0"

// RawID preserves the caller's id bit-exact (number or string) across the
// whole request lifecycle.
type RawID struct {
	raw     json.RawMessage
	isNull  bool
	present bool
}

func (id RawID) MarshalJSON() ([]byte, error) {
	if !id.present || id.isNull {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RawID) UnmarshalJSON(data []byte) error {
	id.present = true
	id.raw = append(json.RawMessage(nil), data...)
	id.isNull = bytes.Equal(bytes.TrimSpace(data), []byte("null"))
	return nil
}

// Present reports whether an id field was included in the envelope at all
// (distinguishing a request from a notification).
func (id RawID) Present() bool { return id.present }

// IsNull reports whether the id was explicitly JSON null.
func (id RawID) IsNull() bool { return id.isNull }

// String renders the id as a plain string for use as a correlation /
// streaming key, stripping JSON string quoting if present.
func (id RawID) String() string {
	if !id.present || id.isNull {
		return ""
	}
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

func NullID() RawID { return RawID{present: true, isNull: true, raw: json.RawMessage("null")} }

func IDFromString(s string) RawID {
	raw, _ := json.Marshal(s)
	return RawID{present: true, raw: raw}
}

// Request is a parsed JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RawID           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this message carries no id.
func (r *Request) IsNotification() bool { return !r.ID.Present() }

// ErrorObject is the JSON-RPC error payload.
type ErrorObject struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Response is a parsed or to-be-formatted JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RawID           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Notification is a server-initiated message with no id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ParseResult is the outcome of a successful Parse: either a single request
// or a batch. A parse-level failure is returned as Parse's error instead, and
// must be turned into an id:null error response.
type ParseResult struct {
	Single *Request
	Batch  []*Request
}

// Parse decodes raw bytes into one request or a batch of requests. It does
// not validate "jsonrpc":"2.0" or method presence — that is InvalidRequest
// territory, handled by Validate so that callers can still extract the id
// from a structurally valid-but-wrong envelope.
func Parse(raw []byte) (*ParseResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nerrors.New(nerrors.Parse)
	}

	if trimmed[0] == '[' {
		var batch []*Request
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, nerrors.Wrap(nerrors.Parse, err)
		}
		if len(batch) == 0 {
			return nil, nerrors.Newf(nerrors.InvalidRequest, "empty batch")
		}
		return &ParseResult{Batch: batch}, nil
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, nerrors.Wrap(nerrors.Parse, err)
	}
	return &ParseResult{Single: &req}, nil
}

// Validate checks the fields Parse deliberately leaves alone.
func Validate(r *Request) *nerrors.Error {
	if r.JSONRPC != Version {
		return nerrors.Newf(nerrors.InvalidRequest, `"jsonrpc" must be "2.0"`)
	}
	if r.Method == "" {
		return nerrors.Newf(nerrors.InvalidRequest, "missing method")
	}
	return nil
}

// FormatResponse serialises a successful result.
func FormatResponse(id RawID, result json.RawMessage) []byte {
	resp := Response{JSONRPC: Version, ID: id, Result: result}
	b, _ := json.Marshal(resp)
	return b
}

// FormatError serialises an error response. A nil id becomes JSON null per
// the JSON-RPC rules for parse failures whose id could not be recovered.
func FormatError(id RawID, code int, message string, data map[string]any) []byte {
	if !id.Present() {
		id = NullID()
	}
	resp := Response{JSONRPC: Version, ID: id, Error: &ErrorObject{Code: code, Message: message, Data: data}}
	b, _ := json.Marshal(resp)
	return b
}

// FormatErrorFrom builds an error response directly from a classified error.
func FormatErrorFrom(id RawID, err *nerrors.Error) []byte {
	return FormatError(id, err.Code(), err.Message, err.Data)
}

// FormatNotification serialises a server-initiated message with no id.
func FormatNotification(method string, params json.RawMessage) []byte {
	n := Notification{JSONRPC: Version, Method: method, Params: params}
	b, _ := json.Marshal(n)
	return b
}

// StreamChunkParams is the params object of a streaming chunk notification.
type StreamChunkParams struct {
	RequestID string `json:"request_id"`
	Seq       uint64 `json:"seq"`
	Delta     string `json:"delta"`
	End       bool   `json:"end"`
	Error     string `json:"error,omitempty"`
}

// FormatStreamChunk produces the generic chunk envelope defined in
// spec.md §4.1 / §6, before any transport-specific wrapping (SSE framing,
// WebSocket text frame, etc).
func FormatStreamChunk(method, requestID string, seq uint64, delta string, end bool, errMsg string) []byte {
	params, _ := json.Marshal(StreamChunkParams{
		RequestID: requestID,
		Seq:       seq,
		Delta:     delta,
		End:       end,
		Error:     errMsg,
	})
	return FormatNotification(method, params)
}

// BatchResults collects formatted per-element response bytes, preserving
// request order, and joins them into a JSON array. Notifications do not
// contribute an element.
func BatchResults(elements [][]byte) []byte {
	if len(elements) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range elements {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
