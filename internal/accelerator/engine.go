// Package accelerator models the opaque, singleton inference accelerator
// behind a Go interface (Engine) plus the FFI-style parameter marshalling
// that converts JSON into accelerator-native structures and back, per
// spec.md §3/§4.6. The real vendor accelerator is linked dynamically and
// out of scope (spec.md §1); FakeEngine stands in for it here and in tests.
package accelerator

import (
	"context"
	"sync/atomic"
)

// Handle is the process-wide single value of opaque accelerator-owned
// type returned by Init and required by most other operations. At most one
// Handle exists at a time.
type Handle int64

// InvalidHandle is the zero value, meaning "not initialised".
const InvalidHandle Handle = 0

var handleCounter atomic.Int64

func nextHandle() Handle {
	return Handle(handleCounter.Add(1))
}

// CallState is the accelerator's per-callback status for a streaming
// generation, mirroring original_source's LLMCallState.
type CallState int

const (
	CallNormal CallState = iota
	CallWaiting
	CallFinish
	CallError
)

// TokenResult is one callback invocation's payload: a UTF-8 fragment (may
// be empty), a token id, and a call state.
type TokenResult struct {
	Text    string
	TokenID int32
	State   CallState
}

// StreamCallback is invoked inline, on the calling (worker) goroutine, once
// per generated token or state transition. Returning a non-zero/true abort
// signal tells the engine to stop generation early (spec.md §4.4 step 8).
type StreamCallback func(TokenResult) (abort bool)

// Engine is the vendor accelerator's FFI surface, reduced to what the core
// needs to drive. A real binding would implement this over cgo; FakeEngine
// implements it in pure Go for this repository and its tests.
type Engine interface {
	CreateDefaultParams() Params
	Init(ctx context.Context, modelPath string, params Params) (Handle, error)
	Destroy(h Handle) error
	IsRunning(h Handle) bool
	ClearKVCache(h Handle) error
	GetKVCacheSize(h Handle) (int, error)
	SetChatTemplate(h Handle, template string) error
	SetFunctionTools(h Handle, toolsJSON string) error
	SetCrossAttnParams(h Handle, p CrossAttnParams) error
	ReleasePromptCache(h Handle) error
	LoadLora(ctx context.Context, h Handle, adapter LoraAdapter) error
	LoadPromptCache(ctx context.Context, h Handle, path string) error
	Run(ctx context.Context, h Handle, input Input, params Params) (string, error)
	RunAsync(ctx context.Context, h Handle, input Input, params Params, cb StreamCallback) error
	Abort(h Handle) error
}
