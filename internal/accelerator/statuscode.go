package accelerator

import nerrors "github.com/bc-dunia/npud/internal/errors"

// StatusCode is the accelerator's native negative-integer status code, the
// shape a real vendor binding would return across the FFI boundary before
// any JSON-RPC mapping happens (original_source's rkllm_error_code_t).
type StatusCode int

const (
	StatusSuccess              StatusCode = 0
	StatusInvalidParam         StatusCode = -1
	StatusMemoryAlloc          StatusCode = -2
	StatusModelLoad            StatusCode = -3
	StatusInvalidHandle        StatusCode = -4
	StatusNotInitialized       StatusCode = -5
	StatusAlreadyInitialized   StatusCode = -6
	StatusInvalidModel         StatusCode = -7
	StatusInferenceFailed      StatusCode = -8
	StatusAborted              StatusCode = -9
	StatusTimeout              StatusCode = -10
	StatusInvalidConfig        StatusCode = -11
	StatusFileNotFound         StatusCode = -12
	StatusFileRead             StatusCode = -13
	StatusUnsupported          StatusCode = -14
	StatusBusy                 StatusCode = -15
	StatusQueueFull            StatusCode = -16
	StatusInternal             StatusCode = -99
	StatusUnknown              StatusCode = -100
)

type statusMapping struct {
	kind    nerrors.Kind
	message string
}

// statusTable mirrors original_source/rkllm_error_mapping.c's g_rkllm_error_map,
// translated from "native code -> JSON-RPC code" into "native code -> Kind"
// since internal/errors.Kind already carries its own JSON-RPC code.
var statusTable = map[StatusCode]statusMapping{
	StatusInvalidParam:       {nerrors.InvalidParams, "invalid parameters"},
	StatusInvalidHandle:      {nerrors.InvalidParams, "invalid handle"},
	StatusInvalidConfig:      {nerrors.ConfigError, "invalid configuration"},
	StatusMemoryAlloc:        {nerrors.MemoryError, "memory allocation failed"},
	StatusModelLoad:          {nerrors.InitFailed, "model loading failed"},
	StatusInvalidModel:       {nerrors.InitFailed, "invalid model format"},
	StatusNotInitialized:     {nerrors.NotInitialised, "not initialised"},
	StatusAlreadyInitialized: {nerrors.InitFailed, "already initialised"},
	StatusBusy:               {nerrors.Busy, "accelerator busy"},
	StatusQueueFull:          {nerrors.Busy, "queue full"},
	StatusInferenceFailed:    {nerrors.InferenceError, "inference failed"},
	StatusAborted:            {nerrors.Aborted, "operation aborted"},
	StatusTimeout:            {nerrors.Timeout, "operation timed out"},
	StatusFileNotFound:       {nerrors.FileError, "file not found"},
	StatusFileRead:           {nerrors.FileError, "file read error"},
	StatusUnsupported:        {nerrors.Unsupported, "feature not supported"},
	StatusInternal:           {nerrors.Internal, "internal accelerator error"},
	StatusUnknown:            {nerrors.Internal, "unknown accelerator error"},
}

// MapStatus converts a native accelerator status code into the core's
// error taxonomy. Unmapped codes fall back to Internal, matching the
// original's "default for unmapped errors" behaviour.
func MapStatus(code StatusCode) *nerrors.Error {
	if code == StatusSuccess {
		return nil
	}
	m, ok := statusTable[code]
	if !ok {
		m = statusMapping{nerrors.Internal, "unmapped accelerator status"}
	}
	return nerrors.New(m.kind).WithData(map[string]any{
		"accelerator_status": int(code),
		"accelerator_message": m.message,
	})
}
