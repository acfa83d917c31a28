package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/llm"
	"github.com/harunnryd/voxa/pkg/protocol"
	"github.com/harunnryd/voxa/pkg/providers/mock"
	"github.com/harunnryd/voxa/pkg/resilience"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/tools"
)

func mockUsage(in, out int) llm.Usage {
	return llm.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

type captureReporter struct {
	mu       sync.Mutex
	chunks   []string
	starts   []string
	ends     []string
	success  []bool
	statuses []string
	steps    []string
}

func (c *captureReporter) Chunk(text string) {
	c.mu.Lock()
	c.chunks = append(c.chunks, text)
	c.mu.Unlock()
}

func (c *captureReporter) ToolStart(id, name string, args any) {
	c.mu.Lock()
	c.starts = append(c.starts, id+":"+name)
	c.mu.Unlock()
}

func (c *captureReporter) ToolEnd(id, name, result string, success bool) {
	c.mu.Lock()
	c.ends = append(c.ends, result)
	c.success = append(c.success, success)
	c.mu.Unlock()
}

func (c *captureReporter) ContextRetrieval(string, []protocol.Source) {}

func (c *captureReporter) AgentStatus(status, detail string) {
	c.mu.Lock()
	c.statuses = append(c.statuses, status)
	c.mu.Unlock()
}

func (c *captureReporter) ThinkingStep(index int, text string) {
	c.mu.Lock()
	c.steps = append(c.steps, text)
	c.mu.Unlock()
}

func echoRegistry(t *testing.T) (*tools.Registry, *tools.Executor) {
	t.Helper()
	reg := tools.NewRegistry()
	echo := tools.NewTool("echo", "echo text", []tools.Param{{Name: "text", Type: tools.ParamText}}, func(ctx context.Context, call tools.Call) (string, error) {
		s, _ := call.Arguments["text"].(string)
		if s == "fail" {
			return "", errors.New("boom")
		}
		return "echo:" + s, nil
	})
	if err := reg.Register(tools.Plugin{Name: "echo", Guidance: "Echo when asked.", Tools: []tools.Tool{echo}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg, tools.NewExecutor(reg, tools.ExecutorOptions{})
}

func snapshot(opts session.Options, turns ...session.VoiceTurn) session.VoiceSession {
	return session.VoiceSession{ID: "s-1", UserID: "u-1", Options: opts, Turns: turns}
}

func userTurn(text string) session.VoiceTurn {
	return session.VoiceTurn{Role: session.RoleUser, Content: text}
}

func TestLLMResponderStreams(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"a", "b"}, Usage: mockUsage(3, 2)})
	r := NewLLMResponder(LLMResponderConfig{Adapter: adapter})
	rep := &captureReporter{}

	reply, err := r.Respond(context.Background(), Request{Session: snapshot(session.Options{}, userTurn("hi"))}, rep)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "ab" || strings.Join(rep.chunks, "|") != "a|b" {
		t.Fatalf("unexpected reply %q chunks %v", reply.Text, rep.chunks)
	}
	if reply.Usage == nil || reply.Usage.InputTokens != 3 || reply.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected usage %+v", reply.Usage)
	}
}

func TestLLMResponderToolLoop(t *testing.T) {
	reg, exec := echoRegistry(t)
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		ResponseText: "done",
		ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`}},
		Usage:        mockUsage(5, 1),
	})
	r := NewLLMResponder(LLMResponderConfig{Adapter: adapter, Registry: reg, Executor: exec, BasePrompt: "base"})
	rep := &captureReporter{}

	opts := session.Options{AgentEnabled: true}
	reply, err := r.Respond(context.Background(), Request{Session: snapshot(opts, userTurn("echo hi"))}, rep)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "done" {
		t.Fatalf("reply = %q", reply.Text)
	}
	if len(rep.starts) != 1 || rep.starts[0] != "c1:echo" {
		t.Fatalf("unexpected tool starts %v", rep.starts)
	}
	if len(rep.ends) != 1 || rep.ends[0] != "echo:hi" || !rep.success[0] {
		t.Fatalf("unexpected tool ends %v %v", rep.ends, rep.success)
	}

	inputs := adapter.Inputs()
	if len(inputs) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(inputs))
	}
	if len(inputs[0].Tools) != 1 || inputs[0].Tools[0].Name != "echo" {
		t.Fatalf("tools not offered: %+v", inputs[0].Tools)
	}
	if !strings.Contains(inputs[0].Messages[0].Content, "Echo when asked.") {
		t.Fatalf("plugin guidance missing from system prompt: %q", inputs[0].Messages[0].Content)
	}
	last := inputs[1].Messages[len(inputs[1].Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "c1" || last.Content != "echo:hi" {
		t.Fatalf("tool result not fed back: %+v", last)
	}
	if reply.Usage == nil || reply.Usage.InputTokens != 5 {
		t.Fatalf("usage = %+v", reply.Usage)
	}
}

func TestLLMResponderToolFailureBecomesText(t *testing.T) {
	reg, exec := echoRegistry(t)
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		ResponseText: "sorry",
		ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"text":"fail"}`}},
	})
	r := NewLLMResponder(LLMResponderConfig{Adapter: adapter, Registry: reg, Executor: exec})
	rep := &captureReporter{}

	if _, err := r.Respond(context.Background(), Request{Session: snapshot(session.Options{AgentEnabled: true}, userTurn("x"))}, rep); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(rep.ends) != 1 || rep.success[0] || !strings.HasPrefix(rep.ends[0], "error: ") {
		t.Fatalf("unexpected tool end %v %v", rep.ends, rep.success)
	}
}

func TestLLMResponderWithoutAgentStreams(t *testing.T) {
	reg, exec := echoRegistry(t)
	adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "plain"})
	r := NewLLMResponder(LLMResponderConfig{Adapter: adapter, Registry: reg, Executor: exec})

	if _, err := r.Respond(context.Background(), Request{Session: snapshot(session.Options{}, userTurn("x"))}, &captureReporter{}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if inputs := adapter.Inputs(); len(inputs) != 1 || len(inputs[0].Tools) != 0 {
		t.Fatalf("tools offered without agent mode: %+v", inputs)
	}
}

func TestLLMResponderHistoryLimit(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "ok"})
	r := NewLLMResponder(LLMResponderConfig{Adapter: adapter, MaxHistory: 2})
	snap := snapshot(session.Options{SystemPrompt: "override"},
		userTurn("one"),
		session.VoiceTurn{Role: session.RoleAssistant, Content: "two"},
		userTurn("three"),
	)
	if _, err := r.Respond(context.Background(), Request{Session: snap}, &captureReporter{}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	msgs := adapter.Inputs()[0].Messages
	if len(msgs) != 3 || msgs[0].Content != "override" || msgs[1].Content != "two" || msgs[1].Role != llm.RoleAssistant {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestLLMResponderRateLimitReason(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Err: resilience.RateLimitError{Provider: "openai"}})
	r := NewLLMResponder(LLMResponderConfig{Adapter: adapter, Breaker: resilience.NewCircuitBreaker(1, 0)})

	_, err := r.Respond(context.Background(), Request{Session: snapshot(session.Options{}, userTurn("x"))}, &captureReporter{})
	if !errorsx.HasReason(err, errorsx.ReasonLLMRateLimit) {
		t.Fatalf("expected rate limit reason, got %v", err)
	}
	_, err = r.Respond(context.Background(), Request{Session: snapshot(session.Options{}, userTurn("x"))}, &captureReporter{})
	if !errorsx.HasReason(err, errorsx.ReasonLLMCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}
