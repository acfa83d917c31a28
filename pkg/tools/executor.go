package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/redact"
	"github.com/harunnryd/voxa/pkg/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ExecutorOptions struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Observer     metrics.Observer
}

// Executor runs local tools with a per-attempt timeout, bounded retries and
// a trace span per call.
type Executor struct {
	registry *Registry
	opts     ExecutorOptions
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewExecutor(registry *Registry, opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Executor{
		registry: registry,
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "tool_executor"),
		tracer:   otel.Tracer("github.com/harunnryd/voxa/pkg/tools"),
	}
}

// Execute runs call once from the caller's point of view. Retries happen
// inside; the caller sees a single result.
func (e *Executor) Execute(ctx context.Context, call Call) (string, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
		attribute.String("session.id", call.SessionID),
	))
	defer span.End()

	result, err := e.execute(ctx, call)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrToolTimeout) {
			status = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("tool_call_failed",
			"session_id", call.SessionID,
			"call_id", call.ID,
			"tool_name", call.Name,
			"args", redactedArgs(call.Arguments),
			"reason_code", errorsx.Reason(err),
			"error", err.Error(),
		)
	} else {
		e.logger.Debug("tool_call_ok",
			"session_id", call.SessionID,
			"call_id", call.ID,
			"tool_name", call.Name,
			"args", redactedArgs(call.Arguments),
		)
	}
	metrics.Record(e.opts.Observer, metrics.EventToolCall, float64(time.Since(start).Milliseconds()), map[string]string{
		metrics.TagTool:       call.Name,
		metrics.TagStatus:     status,
		metrics.TagExecutedBy: "local",
		metrics.TagSession:    call.SessionID,
	})
	return result, err
}

func (e *Executor) execute(ctx context.Context, call Call) (string, error) {
	var (
		tool Tool
		ok   bool
	)
	if e.registry != nil {
		tool, ok = e.registry.Lookup(call.Name)
	}
	if !ok {
		return "", errorsx.Wrap(fmt.Errorf("%w: %s", ErrToolNotFound, call.Name), errorsx.ReasonToolNotFound)
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	policy := resilience.NewRetryPolicy(e.opts.Retries, e.opts.RetryBackoff)
	var result string
	err := policy.Do(ctx, func(ctx context.Context) error {
		out, err := e.callWithTimeout(ctx, tool, call)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrToolTimeout) {
			return "", errorsx.Wrap(err, errorsx.ReasonToolTimeout)
		}
		return "", errorsx.Wrap(err, errorsx.ReasonToolExecute)
	}
	return result, nil
}

func (e *Executor) callWithTimeout(ctx context.Context, tool Tool, call Call) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := tool.Invoke(ctx, call)
		ch <- outcome{text: text, err: err}
	}()
	select {
	case out := <-ch:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrToolTimeout
		}
		return out.text, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrToolTimeout
		}
		return "", ctx.Err()
	}
}

// ResultText is the text relayed to the model and the client for a call
// outcome. Failures become "error: <message>".
func ResultText(result string, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return result
}

func redactedArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(redact.Fields(args))
	if err != nil {
		return ""
	}
	return string(raw)
}
