package dispatch

import (
	"context"
	"encoding/json"

	"github.com/bc-dunia/npud/internal/accelerator"
	"github.com/bc-dunia/npud/internal/classifier"
	nerrors "github.com/bc-dunia/npud/internal/errors"
	"github.com/bc-dunia/npud/internal/protocol"
)

// handleMeta answers the two meta-methods directly, without classification
// or queueing, per spec.md §4.6 dispatch step 1.
func (d *Dispatcher) handleMeta(req *protocol.Request) ([]byte, bool) {
	switch req.Method {
	case "list_functions", "get_functions":
		payload, _ := json.Marshal(map[string]any{"methods": classifier.Methods()})
		return protocol.FormatResponse(req.ID, payload), true
	case "get_constants":
		payload, _ := json.Marshal(map[string]any{
			"max_streaming_sessions": d.cfg.Streaming.MaxSessions,
			"queue_capacity":         d.cfg.Worker.QueueCapacity,
			"registry_capacity":      d.cfg.Registry.Capacity,
			"max_datagram_bytes":     d.cfg.Transport.UDP.MaxDatagramBytes,
			"batch_size_min":         1,
			"batch_size_max":         100,
		})
		return protocol.FormatResponse(req.ID, payload), true
	default:
		return nil, false
	}
}

// runInstant executes an Instant-class method synchronously on the
// calling handler thread, per spec.md §4.6 dispatch step 4. None of these
// touch the accelerator except through the already-established handle.
func (d *Dispatcher) runInstant(method string, params json.RawMessage) (json.RawMessage, *nerrors.Error) {
	switch method {
	case "create_default_params":
		p := d.engine.CreateDefaultParams()
		applyConfigDefaultsPublic(&p, d)
		payload, _ := json.Marshal(p)
		return payload, nil

	case "is_running":
		h, nerr := d.requireHandle()
		if nerr != nil {
			return nil, nerr
		}
		payload, _ := json.Marshal(map[string]any{"running": d.engine.IsRunning(h)})
		return payload, nil

	case "destroy":
		h, nerr := d.requireHandle()
		if nerr != nil {
			return nil, nerr
		}
		if err := d.engine.Destroy(h); err != nil {
			return nil, nerrors.Wrap(nerrors.Internal, err)
		}
		d.setHandle(accelerator.InvalidHandle)
		return marshalOK(), nil

	case "abort":
		h := d.currentHandle()
		if h != accelerator.InvalidHandle {
			_ = d.engine.Abort(h)
		}
		d.sched.AbortCurrent()
		d.streams.AbortActive()
		return marshalOK(), nil

	case "clear_kv_cache":
		h, nerr := d.requireHandle()
		if nerr != nil {
			return nil, nerr
		}
		if err := d.engine.ClearKVCache(h); err != nil {
			return nil, nerrors.Wrap(nerrors.Internal, err)
		}
		return marshalOK(), nil

	case "get_kv_cache_size":
		h, nerr := d.requireHandle()
		if nerr != nil {
			return nil, nerr
		}
		size, err := d.engine.GetKVCacheSize(h)
		if err != nil {
			return nil, nerrors.Wrap(nerrors.Internal, err)
		}
		payload, _ := json.Marshal(map[string]any{"kv_cache_size": size})
		return payload, nil

	case "set_chat_template":
		h, nerr := d.requireHandle()
		if nerr != nil {
			return nil, nerr
		}
		var p struct {
			Template string `json:"template"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nerrors.Wrap(nerrors.InvalidParams, err)
		}
		if err := d.engine.SetChatTemplate(h, p.Template); err != nil {
			return nil, nerrors.Wrap(nerrors.Internal, err)
		}
		return marshalOK(), nil

	case "set_function_tools":
		h, nerr := d.requireHandle()
		if nerr != nil {
			return nil, nerr
		}
		var p struct {
			Tools json.RawMessage `json:"tools"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nerrors.Wrap(nerrors.InvalidParams, err)
		}
		if err := d.engine.SetFunctionTools(h, string(p.Tools)); err != nil {
			return nil, nerrors.Wrap(nerrors.Internal, err)
		}
		return marshalOK(), nil

	case "set_cross_attn_params":
		h, nerr := d.requireHandle()
		if nerr != nil {
			return nil, nerr
		}
		var p accelerator.CrossAttnParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nerrors.Wrap(nerrors.InvalidParams, err)
		}
		if err := d.engine.SetCrossAttnParams(h, p); err != nil {
			return nil, nerrors.Wrap(nerrors.Internal, err)
		}
		return marshalOK(), nil

	case "release_prompt_cache":
		h, nerr := d.requireHandle()
		if nerr != nil {
			return nil, nerr
		}
		if err := d.engine.ReleasePromptCache(h); err != nil {
			return nil, nerrors.Wrap(nerrors.Internal, err)
		}
		return marshalOK(), nil

	default:
		return nil, nerrors.New(nerrors.MethodNotFound)
	}
}

func marshalOK() json.RawMessage {
	payload, _ := json.Marshal(map[string]any{"status": "ok"})
	return payload
}

func applyConfigDefaultsPublic(p *accelerator.Params, d *Dispatcher) {
	resolved, err := accelerator.ResolveParams(*p, d.cfg.Accelerator, nil)
	if err == nil {
		*p = resolved
	}
}

// execute runs an AcceleratorQueued method's body under the scheduler
// worker goroutine, per spec.md §4.6: "each arm performs its own JSON →
// parameters conversion and its own accelerator call."
func (d *Dispatcher) execute(ctx context.Context, method string, params json.RawMessage) (any, error) {
	d.arena.Reset()

	switch method {
	case "init":
		return d.execInit(ctx, params)
	case "run":
		return d.execRun(ctx, params)
	case "load_lora":
		return d.execLoadLora(ctx, params)
	case "load_prompt_cache":
		return d.execLoadPromptCache(ctx, params)
	default:
		return nil, nerrors.New(nerrors.MethodNotFound)
	}
}

func (d *Dispatcher) execInit(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		ModelPath string          `json:"model_path"`
		Params    json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, nerrors.Wrap(nerrors.InvalidParams, err)
	}
	if req.ModelPath == "" {
		return nil, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"field": "model_path"})
	}

	resolved, err := accelerator.ResolveParams(d.engine.CreateDefaultParams(), d.cfg.Accelerator, req.Params)
	if err != nil {
		return nil, err
	}
	if nerr := accelerator.CheckAndClamp(&resolved, d.logger); nerr != nil {
		return nil, nerr
	}

	h, err := d.engine.Init(ctx, req.ModelPath, resolved)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.InitFailed, err)
	}
	d.setHandle(h)
	return map[string]any{"handle_id": int64(h)}, nil
}

func (d *Dispatcher) execRun(ctx context.Context, params json.RawMessage) (any, error) {
	h, nerr := d.requireHandle()
	if nerr != nil {
		return nil, nerr
	}
	input, err := accelerator.ResolveInput(params)
	if err != nil {
		return nil, err
	}
	resolved, err := accelerator.ResolveParams(d.engine.CreateDefaultParams(), d.cfg.Accelerator, params)
	if err != nil {
		return nil, err
	}
	if nerr := accelerator.CheckAndClamp(&resolved, d.logger); nerr != nil {
		return nil, nerr
	}

	text, runErr := d.engine.Run(ctx, h, input, resolved)
	if runErr != nil {
		return nil, nerrors.Wrap(nerrors.InferenceError, runErr)
	}
	return map[string]any{"text": text}, nil
}

func (d *Dispatcher) execLoadLora(ctx context.Context, params json.RawMessage) (any, error) {
	h, nerr := d.requireHandle()
	if nerr != nil {
		return nil, nerr
	}
	var adapter accelerator.LoraAdapter
	if err := json.Unmarshal(params, &adapter); err != nil {
		return nil, nerrors.Wrap(nerrors.InvalidParams, err)
	}
	if adapter.Path == "" {
		return nil, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"field": "path"})
	}
	if err := d.engine.LoadLora(ctx, h, adapter); err != nil {
		return nil, nerrors.Wrap(nerrors.FileError, err)
	}
	return marshalOK(), nil
}

func (d *Dispatcher) execLoadPromptCache(ctx context.Context, params json.RawMessage) (any, error) {
	h, nerr := d.requireHandle()
	if nerr != nil {
		return nil, nerr
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, nerrors.Wrap(nerrors.InvalidParams, err)
	}
	if req.Path == "" {
		return nil, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"field": "path"})
	}
	if err := d.engine.LoadPromptCache(ctx, h, req.Path); err != nil {
		return nil, nerrors.Wrap(nerrors.FileError, err)
	}
	return marshalOK(), nil
}
