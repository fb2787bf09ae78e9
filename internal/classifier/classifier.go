// Package classifier implements the static, closed-set operation
// classification table described in spec.md §3/§4.2, grounded on
// original_source/src/lib/core/npu_operation_classifier.{c,h}.
package classifier

// Class is the dispatch classification of a method.
type Class string

const (
	Instant          Class = "instant"
	AcceleratorQueued Class = "accelerator_queued"
	Streaming        Class = "streaming"
)

// Descriptor is the static, build-time-closed metadata for one accelerator
// operation.
type Descriptor struct {
	Method           string
	Class            Class
	NeedsAccelerator bool
	EstimatedMs      int
}

// registry is the closed set of accelerator operations. Unknown methods are
// not registered here — Classify defaults them to Instant so that meta- and
// error paths stay responsive, per spec.md §4.2.
var registry = map[string]Descriptor{
	"get_functions":          {"get_functions", Instant, false, 10},
	"get_constants":          {"get_constants", Instant, false, 5},
	"create_default_params":  {"create_default_params", Instant, false, 1},
	"destroy":                {"destroy", Instant, false, 100},
	"abort":                  {"abort", Instant, false, 50},
	"is_running":             {"is_running", Instant, false, 1},
	"clear_kv_cache":         {"clear_kv_cache", Instant, false, 20},
	"get_kv_cache_size":      {"get_kv_cache_size", Instant, false, 5},
	"set_chat_template":      {"set_chat_template", Instant, false, 10},
	"set_function_tools":     {"set_function_tools", Instant, false, 15},
	"set_cross_attn_params":  {"set_cross_attn_params", Instant, false, 10},
	"release_prompt_cache":   {"release_prompt_cache", Instant, false, 50},
	"init":                   {"init", AcceleratorQueued, true, 45000},
	"run":                    {"run", AcceleratorQueued, true, 5000},
	"load_lora":              {"load_lora", AcceleratorQueued, true, 2000},
	"load_prompt_cache":      {"load_prompt_cache", AcceleratorQueued, true, 1000},
	"run_async":              {"run_async", Streaming, true, -1},
}

var unknownDescriptor = Descriptor{Class: Instant, NeedsAccelerator: false, EstimatedMs: 1}

// Lookup returns the descriptor for a method and whether it is part of the
// closed set.
func Lookup(method string) (Descriptor, bool) {
	d, ok := registry[method]
	return d, ok
}

// Classify returns the dispatch class for method. Classification is a
// property of the method name alone, never of the parameters, and is
// guaranteed to be the same value every time for the same method.
func Classify(method string) Class {
	if d, ok := registry[method]; ok {
		return d.Class
	}
	return Instant
}

// EstimatedMs returns the method's estimated duration, or the unknown
// default of 1ms for methods outside the closed set.
func EstimatedMs(method string) int {
	if d, ok := registry[method]; ok {
		return d.EstimatedMs
	}
	return unknownDescriptor.EstimatedMs
}

// NeedsAccelerator reports whether method touches accelerator-exclusive
// state.
func NeedsAccelerator(method string) bool {
	if d, ok := registry[method]; ok {
		return d.NeedsAccelerator
	}
	return false
}

// Methods returns the full closed set of method names, for list_functions.
func Methods() []string {
	out := make([]string, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	return out
}
