package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/harunnryd/voxa/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	// ToolCalls are returned by the first Generate call only.
	ToolCalls []llm.ToolCall
	Usage     llm.Usage
	// Block makes Stream wait for ctx cancellation after the first chunk.
	Block bool
	Err   error
}

// LLMAdapter is a scripted llm.Adapter that records its inputs.
type LLMAdapter struct {
	cfg LLMConfig

	mu     sync.Mutex
	inputs []llm.Context
	calls  int
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" && len(cfg.StreamChunks) == 0 {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	a.calls++
	first := a.calls == 1
	a.mu.Unlock()
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	if first && len(a.cfg.ToolCalls) > 0 {
		return llm.Response{ToolCalls: a.cfg.ToolCalls, FinishReason: "tool_calls"}, nil
	}
	text := a.cfg.ResponseText
	if text == "" {
		text = strings.Join(a.cfg.StreamChunks, "")
	}
	return llm.Response{Text: text, Usage: a.cfg.Usage, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Delta, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	a.calls++
	a.mu.Unlock()
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	chunks := a.cfg.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{a.cfg.ResponseText}
	}
	out := make(chan llm.Delta, len(chunks)+1)
	go func() {
		defer close(out)
		for i, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case out <- llm.Delta{Text: c}:
			}
			if i == 0 && a.cfg.Block {
				<-ctx.Done()
				return
			}
		}
		usage := a.cfg.Usage
		select {
		case <-ctx.Done():
		case out <- llm.Delta{Usage: &usage}:
		}
	}()
	return out, nil
}

// Inputs returns the contexts the adapter was called with.
func (a *LLMAdapter) Inputs() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.inputs...)
}

var _ llm.Adapter = (*LLMAdapter)(nil)
