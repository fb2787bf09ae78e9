package protocol

import (
	"encoding/json"
	"testing"

	nerrors "github.com/bc-dunia/npud/internal/errors"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []string{
		`{"jsonrpc":"2.0","id":1,"method":"is_running","params":{}}`,
		`{"jsonrpc":"2.0","id":"abc","method":"init","params":{"model_path":"/tmp/m.bin"}}`,
		`{"jsonrpc":"2.0","method":"notify_only"}`,
	}

	for _, raw := range cases {
		res, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("Parse(%s): %v", raw, err)
		}
		if res.Single == nil {
			t.Fatalf("expected single request for %s", raw)
		}

		var want map[string]any
		if err := json.Unmarshal([]byte(raw), &want); err != nil {
			t.Fatal(err)
		}

		got := map[string]any{
			"jsonrpc": res.Single.JSONRPC,
			"method":  res.Single.Method,
		}
		if res.Single.ID.Present() {
			var idVal any
			json.Unmarshal(res.Single.ID.raw, &idVal)
			got["id"] = idVal
		}
		if _, ok := want["id"]; ok != res.Single.ID.Present() {
			t.Fatalf("id presence mismatch for %s", raw)
		}
		for _, k := range []string{"jsonrpc", "method", "id"} {
			if got[k] != want[k] {
				t.Fatalf("%s: %s = %v, want %v", raw, k, got[k], want[k])
			}
		}
	}
}

func TestFormatResponseParsesBackToSameID(t *testing.T) {
	id := RawID{}
	if err := json.Unmarshal([]byte(`42`), &id); err != nil {
		t.Fatal(err)
	}

	result, _ := json.Marshal(map[string]any{"ok": true})
	out := FormatResponse(id, result)

	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID.String() != "" && string(resp.ID.raw) != "42" {
		t.Fatalf("id not preserved bit-exact: got %s", resp.ID.raw)
	}
	if string(resp.Result) != string(result) {
		t.Fatalf("result mismatch: got %s want %s", resp.Result, result)
	}
}

func TestUnknownMethodProducesMethodNotFound(t *testing.T) {
	id := IDFromString("1")
	out := FormatError(id, -32601, "Method not found", nil)

	want := `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"Method not found"}}`
	var gotObj, wantObj map[string]any
	json.Unmarshal(out, &gotObj)
	json.Unmarshal([]byte(want), &wantObj)

	gotJSON, _ := json.Marshal(gotObj)
	wantJSON, _ := json.Marshal(wantObj)
	if string(gotJSON) != string(wantJSON) {
		t.Fatalf("got %s want %s", gotJSON, wantJSON)
	}
}

func TestParseErrorHasNullID(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	if err == nil {
		t.Fatal("expected parse error")
	}
	out := FormatErrorFrom(NullID(), nerrors.As(err))
	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if id, ok := resp["id"]; !ok || id != nil {
		t.Fatalf("id = %v (present=%v), want null", id, ok)
	}
	if code := resp["error"].(map[string]any)["code"]; code != float64(-32700) {
		t.Fatalf("error code = %v, want -32700", code)
	}
}

func TestFormatStreamChunkEnvelope(t *testing.T) {
	out := FormatStreamChunk("run_async", "4", 0, "Hel", false, "")
	var n Notification
	if err := json.Unmarshal(out, &n); err != nil {
		t.Fatal(err)
	}
	if n.Method != "run_async" {
		t.Fatalf("method = %s", n.Method)
	}
	var p StreamChunkParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		t.Fatal(err)
	}
	if p.RequestID != "4" || p.Seq != 0 || p.Delta != "Hel" || p.End {
		t.Fatalf("unexpected params: %+v", p)
	}
}

func TestBatchResultsPreservesOrder(t *testing.T) {
	a := FormatResponse(IDFromString("1"), json.RawMessage(`1`))
	b := FormatResponse(IDFromString("2"), json.RawMessage(`2`))
	out := BatchResults([][]byte{a, b})

	var arr []Response
	if err := json.Unmarshal(out, &arr); err != nil {
		t.Fatal(err)
	}
	if len(arr) != 2 || arr[0].ID.String() != "1" || arr[1].ID.String() != "2" {
		t.Fatalf("batch order not preserved: %+v", arr)
	}
}
