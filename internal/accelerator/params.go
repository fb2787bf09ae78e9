package accelerator

// Params is the fixed-param struct (spec.md §4.6 "fixed-param struct")
// carrying the accelerator's inference parameters, including nested
// lora/cache sub-params.
type Params struct {
	MaxNewTokens     int     `json:"max_new_tokens"`
	MaxContextLen    int     `json:"max_context_len"`
	TopK             int     `json:"top_k"`
	TopP             float64 `json:"top_p"`
	Temperature      float64 `json:"temperature"`
	RepeatPenalty    float64 `json:"repeat_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	MirostatMode     int     `json:"mirostat_mode"`
	MirostatTau      float64 `json:"mirostat_tau"`
	MirostatEta      float64 `json:"mirostat_eta"`
	BatchSize        int     `json:"batch_size"`

	Lora  *LoraAdapter     `json:"lora,omitempty"`
	Cache *PromptCacheSpec `json:"prompt_cache,omitempty"`
}

// LoraAdapter is the "lora adapter" semantic type: name + path + scale.
type LoraAdapter struct {
	Name  string  `json:"name"`
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

// PromptCacheSpec describes a prompt cache to load alongside inference
// params.
type PromptCacheSpec struct {
	Path string `json:"path"`
}

// CrossAttnParams is the "cross-attention params" semantic type: a 4-D
// float tensor plus a 1-D float mask and a 1-D int position array, laid
// out row-major with declared dimensions [d1][d2][d3][d4] (spec.md §4.6).
type CrossAttnParams struct {
	Embeddings [][][][]float32 `json:"embeddings"`
	Mask       []float32       `json:"mask"`
	Positions  []int32         `json:"positions"`
	Dims       [4]int          `json:"dims"`
}

// InputType tags the "input-union" semantic type.
type InputType string

const (
	InputPrompt     InputType = "prompt"
	InputEmbed      InputType = "embed"
	InputToken      InputType = "token"
	InputMultimodal InputType = "multimodal"
)

// Input is the tagged input-union: exactly one of Prompt/Embed/Tokens/
// Multimodal is populated, selected by Type.
type Input struct {
	Type       InputType `json:"input_type"`
	Prompt     string    `json:"prompt,omitempty"`
	Embed      []float32 `json:"embed,omitempty"`
	Tokens     []int32   `json:"tokens,omitempty"`
	Multimodal *CrossAttnParams `json:"multimodal,omitempty"`
}
