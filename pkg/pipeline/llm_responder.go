package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/llm"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/resilience"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type LLMResponderConfig struct {
	Adapter    llm.Adapter
	BasePrompt string
	Registry   *tools.Registry
	Executor   *tools.Executor
	Breaker    *resilience.CircuitBreaker
	Retry      resilience.RetryPolicy
	// MaxToolRounds bounds model calls per response when tools are on.
	MaxToolRounds int
	// MaxHistory keeps only the newest turns; zero keeps all.
	MaxHistory int
	Logger     *slog.Logger
}

// LLMResponder answers with a chat-completion model. Agent sessions with
// tools run a generate/execute loop; everything else streams.
type LLMResponder struct {
	cfg    LLMResponderConfig
	logger *slog.Logger
	tracer trace.Tracer
}

func NewLLMResponder(cfg LLMResponderConfig) *LLMResponder {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 4
	}
	return &LLMResponder{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "llm_responder"),
		tracer: otel.Tracer("github.com/harunnryd/voxa/pkg/pipeline"),
	}
}

func (r *LLMResponder) Respond(ctx context.Context, req Request, rep Reporter) (reply Reply, err error) {
	if r.cfg.Adapter == nil {
		return Reply{}, errors.New("no language model configured")
	}
	opts := req.Session.Options
	ctx, span := r.tracer.Start(ctx, "llm.respond", trace.WithAttributes(
		attribute.String("session.id", req.Session.ID),
		attribute.String("llm.model", req.Session.Model),
		attribute.Bool("llm.agent", opts.AgentEnabled),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	input := llm.Context{
		Messages:    r.messages(req.Session),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.AgentEnabled && r.cfg.Registry != nil && r.cfg.Executor != nil {
		for _, t := range r.cfg.Registry.Tools(opts.Capabilities) {
			input.Tools = append(input.Tools, llm.Tool{Name: t.Name, Description: t.Description, Schema: t.Schema})
		}
	}
	if len(input.Tools) > 0 {
		return r.agentLoop(ctx, req, input, rep)
	}
	return r.stream(ctx, input, rep)
}

func (r *LLMResponder) messages(snap session.VoiceSession) []llm.Message {
	var plugins []tools.Plugin
	if snap.Options.AgentEnabled && r.cfg.Registry != nil {
		plugins = r.cfg.Registry.Plugins(snap.Options.Capabilities)
	}
	prompt := tools.SystemPrompt(r.cfg.BasePrompt, snap.Options.SystemPrompt, plugins, nil)

	turns := snap.Turns
	if r.cfg.MaxHistory > 0 && len(turns) > r.cfg.MaxHistory {
		turns = turns[len(turns)-r.cfg.MaxHistory:]
	}
	out := make([]llm.Message, 0, len(turns)+1)
	if strings.TrimSpace(prompt) != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}

func (r *LLMResponder) stream(ctx context.Context, input llm.Context, rep Reporter) (Reply, error) {
	var deltas <-chan llm.Delta
	err := resilience.Guard(ctx, r.cfg.Breaker, r.cfg.Retry, func(ctx context.Context) error {
		ch, err := r.cfg.Adapter.Stream(ctx, input)
		deltas = ch
		return err
	})
	if err != nil {
		return Reply{}, llmError(err, errorsx.ReasonLLMStream)
	}
	var full strings.Builder
	var usage *session.TokenUsage
	for {
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				if ctx.Err() != nil {
					return Reply{}, ctx.Err()
				}
				return Reply{Text: full.String(), Usage: usage}, nil
			}
			if d.Err != nil {
				return Reply{}, errorsx.Wrap(d.Err, errorsx.ReasonLLMStream)
			}
			if d.Text != "" {
				full.WriteString(d.Text)
				rep.Chunk(d.Text)
			}
			if d.Usage != nil {
				usage = tokenUsage(*d.Usage)
			}
		}
	}
}

func (r *LLMResponder) agentLoop(ctx context.Context, req Request, input llm.Context, rep Reporter) (Reply, error) {
	total := &session.TokenUsage{}
	step := 0
	for round := 0; round < r.cfg.MaxToolRounds; round++ {
		rep.AgentStatus("thinking", fmt.Sprintf("round %d", round+1))
		resp, err := r.generate(ctx, input)
		if err != nil {
			return Reply{}, err
		}
		addUsage(total, resp.Usage)
		if len(resp.ToolCalls) == 0 {
			rep.AgentStatus("responding", "")
			if resp.Text != "" {
				rep.Chunk(resp.Text)
			}
			return Reply{Text: resp.Text, Usage: total}, nil
		}
		if strings.TrimSpace(resp.Text) != "" {
			rep.ThinkingStep(step, resp.Text)
			step++
		}
		input.Messages = append(input.Messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			text := r.runTool(ctx, req.Session, call, rep)
			if ctx.Err() != nil {
				return Reply{}, ctx.Err()
			}
			input.Messages = append(input.Messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: text})
		}
	}

	r.logger.Warn("llm_tool_rounds_exhausted", "session_id", req.Session.ID, "rounds", r.cfg.MaxToolRounds)
	input.Tools = nil
	resp, err := r.generate(ctx, input)
	if err != nil {
		return Reply{}, err
	}
	addUsage(total, resp.Usage)
	if resp.Text != "" {
		rep.Chunk(resp.Text)
	}
	return Reply{Text: resp.Text, Usage: total}, nil
}

func (r *LLMResponder) runTool(ctx context.Context, snap session.VoiceSession, call llm.ToolCall, rep Reporter) string {
	args, err := tools.ParseArguments(call.Arguments)
	if err != nil {
		rep.ToolStart(call.ID, call.Name, map[string]any{})
		text := tools.ResultText("", errorsx.Wrap(err, errorsx.ReasonToolArgs))
		rep.ToolEnd(call.ID, call.Name, text, false)
		return text
	}
	rep.ToolStart(call.ID, call.Name, args)
	result, err := r.cfg.Executor.Execute(ctx, tools.Call{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: args,
		SessionID: snap.ID,
		UserID:    snap.UserID,
	})
	text := tools.ResultText(result, err)
	rep.ToolEnd(call.ID, call.Name, text, err == nil)
	return text
}

func (r *LLMResponder) generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	var resp llm.Response
	err := resilience.Guard(ctx, r.cfg.Breaker, r.cfg.Retry, func(ctx context.Context) error {
		out, err := r.cfg.Adapter.Generate(ctx, input)
		resp = out
		return err
	})
	if err != nil {
		return llm.Response{}, llmError(err, errorsx.ReasonLLMGenerate)
	}
	return resp, nil
}

func llmError(err error, fallback errorsx.ReasonCode) error {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return errorsx.Wrap(err, errorsx.ReasonLLMCircuitOpen)
	case resilience.IsRateLimit(err):
		return errorsx.Wrap(err, errorsx.ReasonLLMRateLimit)
	default:
		return errorsx.Wrap(err, fallback)
	}
}

func tokenUsage(u llm.Usage) *session.TokenUsage {
	return &session.TokenUsage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

func addUsage(total *session.TokenUsage, u llm.Usage) {
	total.InputTokens += u.PromptTokens
	total.OutputTokens += u.CompletionTokens
}
