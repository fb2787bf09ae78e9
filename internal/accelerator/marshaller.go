package accelerator

import (
	"encoding/json"

	"github.com/bc-dunia/npud/internal/config"
	nerrors "github.com/bc-dunia/npud/internal/errors"
)

// presentKeys returns the set of top-level JSON keys actually present in
// raw, regardless of their value (including explicit nulls). This is the
// mechanism behind the three-tier defaulting resolution in SPEC_FULL.md §9:
// "caller provided" means the key was present in the request, not that its
// value differs from a default.
func presentKeys(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nerrors.Wrap(nerrors.InvalidParams, err)
	}
	return m, nil
}

// ResolveParams implements the presence-set merge: libraryDefaults (the
// accelerator's CreateDefaultParams) are overridden by configDefaults (the
// operator's configured accelerator.* section), which are in turn
// overridden by whatever keys the caller actually supplied in raw. A key
// absent from raw never overrides a lower tier, even if its zero value
// would look like a deliberate override.
func ResolveParams(libraryDefaults Params, cfgDefaults config.AcceleratorDefaults, raw json.RawMessage) (Params, error) {
	merged := libraryDefaults
	applyConfigDefaults(&merged, cfgDefaults)

	present, err := presentKeys(raw)
	if err != nil {
		return Params{}, err
	}
	if len(present) == 0 {
		return merged, nil
	}

	// Decode the caller's JSON over a copy seeded with the merged tier so
	// unset fields keep the lower tier's value; then copy back only the
	// keys that were actually present.
	seeded := merged
	if err := json.Unmarshal(raw, &seeded); err != nil {
		return Params{}, nerrors.Wrap(nerrors.InvalidParams, err)
	}

	out := merged
	assignIfPresent(present, "max_new_tokens", &out.MaxNewTokens, seeded.MaxNewTokens)
	assignIfPresent(present, "max_context_len", &out.MaxContextLen, seeded.MaxContextLen)
	assignIfPresent(present, "top_k", &out.TopK, seeded.TopK)
	assignIfPresent(present, "top_p", &out.TopP, seeded.TopP)
	assignIfPresent(present, "temperature", &out.Temperature, seeded.Temperature)
	assignIfPresent(present, "repeat_penalty", &out.RepeatPenalty, seeded.RepeatPenalty)
	assignIfPresent(present, "frequency_penalty", &out.FrequencyPenalty, seeded.FrequencyPenalty)
	assignIfPresent(present, "presence_penalty", &out.PresencePenalty, seeded.PresencePenalty)
	assignIfPresent(present, "mirostat_mode", &out.MirostatMode, seeded.MirostatMode)
	assignIfPresent(present, "mirostat_tau", &out.MirostatTau, seeded.MirostatTau)
	assignIfPresent(present, "mirostat_eta", &out.MirostatEta, seeded.MirostatEta)
	assignIfPresent(present, "batch_size", &out.BatchSize, seeded.BatchSize)
	if _, ok := present["lora"]; ok {
		out.Lora = seeded.Lora
	}
	if _, ok := present["prompt_cache"]; ok {
		out.Cache = seeded.Cache
	}

	return out, nil
}

// assignIfPresent copies seededVal into dst only when key was an actual
// key in present — the generic trick of comparing against a zero value
// would wrongly discard a caller-supplied zero/empty override.
func assignIfPresent[T any](present map[string]json.RawMessage, key string, dst *T, seededVal T) {
	if _, ok := present[key]; ok {
		*dst = seededVal
	}
}

func applyConfigDefaults(p *Params, cfg config.AcceleratorDefaults) {
	p.MaxNewTokens = cfg.MaxNewTokens
	p.MaxContextLen = cfg.MaxContextLen
	p.TopK = cfg.TopK
	p.TopP = cfg.TopP
	p.Temperature = cfg.Temperature
	p.RepeatPenalty = cfg.RepeatPenalty
	p.FrequencyPenalty = cfg.FrequencyPenalty
	p.PresencePenalty = cfg.PresencePenalty
	p.MirostatMode = cfg.MirostatMode
	p.MirostatTau = cfg.MirostatTau
	p.MirostatEta = cfg.MirostatEta
	p.BatchSize = cfg.BatchSize
}

// ResolveInput decodes the tagged input-union from raw params, defaulting
// to InputPrompt when input_type is absent (the common case: {"prompt":
// "..."}).
func ResolveInput(raw json.RawMessage) (Input, error) {
	var in Input
	if len(raw) == 0 {
		return in, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"reason": "missing input"})
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return Input{}, nerrors.Wrap(nerrors.InvalidParams, err)
	}
	if in.Type == "" {
		in.Type = InputPrompt
	}
	switch in.Type {
	case InputPrompt:
		if in.Prompt == "" {
			return Input{}, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"reason": "prompt input requires non-empty prompt"})
		}
	case InputEmbed:
		if len(in.Embed) == 0 {
			return Input{}, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"reason": "embed input requires non-empty embed vector"})
		}
	case InputToken:
		if len(in.Tokens) == 0 {
			return Input{}, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"reason": "token input requires non-empty tokens"})
		}
	case InputMultimodal:
		if in.Multimodal == nil {
			return Input{}, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"reason": "multimodal input requires multimodal params"})
		}
		if err := validateCrossAttnDims(*in.Multimodal); err != nil {
			return Input{}, err
		}
	default:
		return Input{}, nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"reason": "unknown input_type", "input_type": string(in.Type)})
	}
	return in, nil
}

// validateCrossAttnDims checks the declared 4-D shape against the actual
// row-major nesting of Embeddings, matching original_source's dimension
// cross-check before handing the tensor to the accelerator.
func validateCrossAttnDims(p CrossAttnParams) error {
	d := p.Dims
	if d[0] != len(p.Embeddings) {
		return dimMismatch(0, d[0], len(p.Embeddings))
	}
	for i, d1 := range p.Embeddings {
		if d[1] != len(d1) {
			return dimMismatch(1, d[1], len(d1))
		}
		for j, d2 := range d1 {
			if d[2] != len(d2) {
				return dimMismatch(2, d[2], len(d2))
			}
			for k, d3 := range d2 {
				if d[3] != len(d3) {
					return dimMismatch(3, d[3], len(d3))
				}
				_ = k
			}
			_ = j
		}
		_ = i
	}
	return nil
}

func dimMismatch(axis, want, got int) *nerrors.Error {
	return nerrors.New(nerrors.InvalidParams).WithData(map[string]any{
		"reason": "cross_attn_params dims mismatch",
		"axis":   axis,
		"want":   want,
		"got":    got,
	})
}
