package accelerator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeEngine is an in-process stand-in for the vendor accelerator. It
// implements Engine without touching real hardware: Run/RunAsync tokenise
// the prompt by whitespace and "generate" by echoing the input back token
// by token, pacing each token by TokenLatency. It exists so the dispatcher,
// scheduler, and streaming layers have a concrete Engine to drive in tests
// and in the reference server build (spec.md §1: the real binding is an
// external collaborator, out of scope here).
type FakeEngine struct {
	// TokenLatency paces RunAsync's callback invocations, simulating
	// generation time per token. Zero means no pacing.
	TokenLatency time.Duration

	mu      sync.Mutex
	handles map[Handle]*fakeSession
}

type fakeSession struct {
	modelPath string
	running   bool
	aborted   bool
	kvCache   int
	template  string
	tools     string
	cross     CrossAttnParams
}

// NewFakeEngine builds a FakeEngine with the given per-token pacing.
func NewFakeEngine(tokenLatency time.Duration) *FakeEngine {
	return &FakeEngine{
		TokenLatency: tokenLatency,
		handles:      make(map[Handle]*fakeSession),
	}
}

func (e *FakeEngine) CreateDefaultParams() Params {
	return Params{
		MaxNewTokens:     256,
		MaxContextLen:    4096,
		TopK:             40,
		TopP:             0.9,
		Temperature:      0.8,
		RepeatPenalty:    1.1,
		FrequencyPenalty: 0,
		PresencePenalty:  0,
		MirostatMode:     0,
		MirostatTau:      5.0,
		MirostatEta:      0.1,
		BatchSize:        8,
	}
}

func (e *FakeEngine) session(h Handle) (*fakeSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.handles[h]
	if !ok {
		return nil, fmt.Errorf("accelerator: unknown handle %d", h)
	}
	return s, nil
}

func (e *FakeEngine) Init(ctx context.Context, modelPath string, params Params) (Handle, error) {
	if modelPath == "" {
		return InvalidHandle, fmt.Errorf("accelerator: empty model path")
	}
	h := nextHandle()
	e.mu.Lock()
	e.handles[h] = &fakeSession{modelPath: modelPath}
	e.mu.Unlock()
	return h, nil
}

func (e *FakeEngine) Destroy(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handles[h]; !ok {
		return fmt.Errorf("accelerator: unknown handle %d", h)
	}
	delete(e.handles, h)
	return nil
}

func (e *FakeEngine) IsRunning(h Handle) bool {
	s, err := e.session(h)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.running
}

func (e *FakeEngine) ClearKVCache(h Handle) error {
	s, err := e.session(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s.kvCache = 0
	e.mu.Unlock()
	return nil
}

func (e *FakeEngine) GetKVCacheSize(h Handle) (int, error) {
	s, err := e.session(h)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.kvCache, nil
}

func (e *FakeEngine) SetChatTemplate(h Handle, template string) error {
	s, err := e.session(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s.template = template
	e.mu.Unlock()
	return nil
}

func (e *FakeEngine) SetFunctionTools(h Handle, toolsJSON string) error {
	s, err := e.session(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s.tools = toolsJSON
	e.mu.Unlock()
	return nil
}

func (e *FakeEngine) SetCrossAttnParams(h Handle, p CrossAttnParams) error {
	s, err := e.session(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s.cross = p
	e.mu.Unlock()
	return nil
}

func (e *FakeEngine) ReleasePromptCache(h Handle) error {
	_, err := e.session(h)
	return err
}

func (e *FakeEngine) LoadLora(ctx context.Context, h Handle, adapter LoraAdapter) error {
	_, err := e.session(h)
	if err != nil {
		return err
	}
	if adapter.Path == "" {
		return fmt.Errorf("accelerator: lora adapter path required")
	}
	return nil
}

func (e *FakeEngine) LoadPromptCache(ctx context.Context, h Handle, path string) error {
	_, err := e.session(h)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("accelerator: prompt cache path required")
	}
	return nil
}

// tokens reduces an Input to the word sequence this fake echoes back.
func tokens(input Input) []string {
	switch input.Type {
	case InputPrompt:
		return strings.Fields(input.Prompt)
	case InputToken:
		out := make([]string, len(input.Tokens))
		for i, t := range input.Tokens {
			out[i] = fmt.Sprintf("<tok:%d>", t)
		}
		return out
	case InputEmbed:
		return []string{fmt.Sprintf("<embed:%d>", len(input.Embed))}
	case InputMultimodal:
		return []string{"<multimodal>"}
	default:
		return nil
	}
}

func (e *FakeEngine) Run(ctx context.Context, h Handle, input Input, params Params) (string, error) {
	s, err := e.session(h)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	s.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		s.running = false
		e.mu.Unlock()
	}()

	words := tokens(input)
	if params.MaxNewTokens > 0 && len(words) > params.MaxNewTokens {
		words = words[:params.MaxNewTokens]
	}
	for range words {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		if e.TokenLatency > 0 {
			time.Sleep(e.TokenLatency)
		}
	}
	return strings.Join(words, " "), nil
}

func (e *FakeEngine) RunAsync(ctx context.Context, h Handle, input Input, params Params, cb StreamCallback) error {
	s, err := e.session(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s.running = true
	s.aborted = false
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		s.running = false
		e.mu.Unlock()
	}()

	words := tokens(input)
	if params.MaxNewTokens > 0 && len(words) > params.MaxNewTokens {
		words = words[:params.MaxNewTokens]
	}

	for i, w := range words {
		select {
		case <-ctx.Done():
			cb(TokenResult{State: CallError})
			return ctx.Err()
		default:
		}

		e.mu.Lock()
		aborted := s.aborted
		e.mu.Unlock()
		if aborted {
			cb(TokenResult{State: CallError})
			return nil
		}

		if e.TokenLatency > 0 {
			time.Sleep(e.TokenLatency)
		}

		text := w
		if i < len(words)-1 {
			text += " "
		}
		state := CallNormal
		if i == len(words)-1 {
			state = CallFinish
		}
		if cb(TokenResult{Text: text, TokenID: int32(i), State: state}) {
			return nil
		}
	}
	if len(words) == 0 {
		cb(TokenResult{State: CallFinish})
	}
	return nil
}

func (e *FakeEngine) Abort(h Handle) error {
	s, err := e.session(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s.aborted = true
	e.mu.Unlock()
	return nil
}
