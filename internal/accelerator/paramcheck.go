package accelerator

import (
	"log/slog"

	nerrors "github.com/bc-dunia/npud/internal/errors"
)

// clampRange holds the inclusive bounds a field is clamped into.
type clampRange[T int | float64] struct {
	min, max T
}

// CheckAndClamp validates and clamps p in place against the accelerator's
// known-safe ranges, logging every clamp via logger (spec.md §4.6: the
// marshaller "clamps or rejects" out-of-range values; batch size [1,100]
// is explicit, the rest are carried over from original_source's sampling
// parameter bounds).
func CheckAndClamp(p *Params, logger *slog.Logger) *nerrors.Error {
	if logger == nil {
		logger = slog.Default()
	}

	if p.MaxNewTokens <= 0 {
		return nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"field": "max_new_tokens", "value": p.MaxNewTokens})
	}
	if p.MaxContextLen <= 0 {
		return nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"field": "max_context_len", "value": p.MaxContextLen})
	}

	clampInt(&p.BatchSize, "batch_size", clampRange[int]{1, 100}, logger)
	clampInt(&p.TopK, "top_k", clampRange[int]{0, 1000}, logger)
	clampFloat(&p.TopP, "top_p", clampRange[float64]{0, 1}, logger)
	clampFloat(&p.Temperature, "temperature", clampRange[float64]{0, 2}, logger)
	clampFloat(&p.RepeatPenalty, "repeat_penalty", clampRange[float64]{0, 2}, logger)
	clampFloat(&p.FrequencyPenalty, "frequency_penalty", clampRange[float64]{-2, 2}, logger)
	clampFloat(&p.PresencePenalty, "presence_penalty", clampRange[float64]{-2, 2}, logger)
	clampFloat(&p.MirostatTau, "mirostat_tau", clampRange[float64]{0, 20}, logger)
	clampFloat(&p.MirostatEta, "mirostat_eta", clampRange[float64]{0, 1}, logger)

	if p.MirostatMode < 0 || p.MirostatMode > 2 {
		return nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"field": "mirostat_mode", "value": p.MirostatMode})
	}

	if p.Lora != nil && p.Lora.Path == "" {
		return nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"field": "lora.path", "reason": "required when lora is set"})
	}
	if p.Cache != nil && p.Cache.Path == "" {
		return nerrors.New(nerrors.InvalidParams).WithData(map[string]any{"field": "prompt_cache.path", "reason": "required when prompt_cache is set"})
	}

	return nil
}

func clampInt(v *int, field string, r clampRange[int], logger *slog.Logger) {
	if *v < r.min {
		logger.Warn("clamped accelerator parameter", "field", field, "value", *v, "clamped_to", r.min)
		*v = r.min
	} else if *v > r.max {
		logger.Warn("clamped accelerator parameter", "field", field, "value", *v, "clamped_to", r.max)
		*v = r.max
	}
}

func clampFloat(v *float64, field string, r clampRange[float64], logger *slog.Logger) {
	if *v < r.min {
		logger.Warn("clamped accelerator parameter", "field", field, "value", *v, "clamped_to", r.min)
		*v = r.min
	} else if *v > r.max {
		logger.Warn("clamped accelerator parameter", "field", field, "value", *v, "clamped_to", r.max)
		*v = r.max
	}
}
