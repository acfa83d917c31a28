package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/protocol"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/tools"
)

var ErrAdapterClosed = errors.New("realtime adapter closed")

// cancelNotActive is the upstream error for a response.cancel that raced
// the end of the response.
const cancelNotActive = "response_cancel_not_active"

// Upstream is the connection the adapter drives. *Client satisfies it.
type Upstream interface {
	Send(ctx context.Context, ev ClientEvent) error
	Recv(ctx context.Context) (ServerEvent, error)
	Close() error
}

// DialFunc opens a fresh upstream connection.
type DialFunc func(ctx context.Context) (Upstream, error)

// ClientDialer adapts Dial to a DialFunc.
func ClientDialer(opts DialOptions) DialFunc {
	return func(ctx context.Context) (Upstream, error) {
		c, err := Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Config struct {
	Session    *session.Session
	Sender     protocol.Sender
	Dial       DialFunc
	Settings   Settings
	Provider   string
	BasePrompt string
	Registry   *tools.Registry
	Executor   *tools.Executor
	Logger     *slog.Logger
	Observer   metrics.Observer
}

// Adapter bridges one session to one realtime upstream.
type Adapter struct {
	sess       *session.Session
	sender     protocol.Sender
	dial       DialFunc
	settings   Settings
	provider   string
	basePrompt string
	registry   *tools.Registry
	executor   *tools.Executor
	logger     *slog.Logger
	observer   metrics.Observer

	mu            sync.Mutex
	up            Upstream
	cancel        context.CancelFunc
	loopDone      chan struct{}
	closed        bool
	// inFlight is set between an announced response.created and its
	// response.done.
	inFlight bool
	// cancelling drops every delta of the current upstream response.
	cancelling bool
	// pendingCancel cancels the next response.created; set when an
	// interrupt lands before the upstream has created the response.
	pendingCancel bool
	text          strings.Builder
	seq           int
	resolved      map[string]bool
	responseStart time.Time
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Executor == nil {
		cfg.Executor = tools.NewExecutor(cfg.Registry, tools.ExecutorOptions{Logger: cfg.Logger, Observer: cfg.Observer})
	}
	logger := logging.NewComponentLogger(cfg.Logger, "realtime")
	if cfg.Session != nil {
		logger = logger.With("session_id", cfg.Session.ID(), "user_id", cfg.Session.UserID())
	}
	return &Adapter{
		sess:       cfg.Session,
		sender:     cfg.Sender,
		dial:       cfg.Dial,
		settings:   cfg.Settings.withDefaults(),
		provider:   cfg.Provider,
		basePrompt: cfg.BasePrompt,
		registry:   cfg.Registry,
		executor:   cfg.Executor,
		logger:     logger,
		observer:   cfg.Observer,
		resolved:   make(map[string]bool),
	}
}

// Start dials the upstream, configures the session and starts the event loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	if a.up != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if a.dial == nil {
		return errorsx.Errorf(errorsx.ReasonUpstreamConnect, "realtime dialer is not configured")
	}
	up, err := a.dial(ctx)
	if err != nil {
		a.recordUpstreamError(err)
		return err
	}
	cfg := BuildSessionConfig(a.settings, a.sess.Snapshot(), a.registry, a.basePrompt)
	if err := up.Send(ctx, SessionUpdate(cfg)); err != nil {
		_ = up.Close()
		a.recordUpstreamError(err)
		return errorsx.Wrap(err, errorsx.ReasonUpstreamSend)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		_ = up.Close()
		return ErrAdapterClosed
	}
	a.up, a.cancel, a.loopDone = up, cancel, done
	a.mu.Unlock()

	a.logger.Info("realtime_connected", "tools", len(cfg.Tools), "voice", cfg.Voice)
	go a.loop(loopCtx, up, done)
	return nil
}

// SendAudio forwards chunk upstream immediately. Chunks over the size bound
// are dropped.
func (a *Adapter) SendAudio(ctx context.Context, chunk []byte) error {
	if len(chunk) > protocol.MaxAudioChunkBytes {
		a.logger.Warn("realtime_audio_chunk_dropped", "size_bytes", len(chunk), "limit_bytes", protocol.MaxAudioChunkBytes)
		metrics.Record(a.observer, metrics.EventAudioChunkDropped, float64(len(chunk)), map[string]string{
			metrics.TagPath:    "realtime",
			metrics.TagSession: a.sess.ID(),
		})
		return nil
	}
	if len(chunk) == 0 {
		return nil
	}
	a.mu.Lock()
	up := a.up
	a.mu.Unlock()
	if up == nil {
		a.logger.Debug("realtime_audio_not_connected", "size_bytes", len(chunk))
		return nil
	}
	return up.Send(ctx, AppendAudio(chunk))
}

// Stop disconnects from the upstream; the session stays open.
func (a *Adapter) Stop(ctx context.Context) error {
	a.disconnect()
	return nil
}

// Interrupt cancels the in-flight response and moves the session through
// interrupted to idle. In idle it does nothing.
func (a *Adapter) Interrupt(ctx context.Context) error {
	if !a.sess.State().Active() {
		return nil
	}
	var sendErr error
	if up := a.cancelResponse(); up != nil {
		sendErr = up.Send(ctx, CancelResponse())
		if sendErr != nil {
			a.logger.Warn("realtime_cancel_failed", "error", sendErr.Error(), "reason_code", errorsx.Reason(sendErr))
		}
	}
	a.transition(session.StateInterrupted, "client_interrupt")
	a.transition(session.StateIdle, "interrupt_complete")
	return sendErr
}

// cancelResponse suppresses the in-flight response, or the one the upstream
// is about to create while processing. It returns the upstream when a
// response.cancel should be sent now.
func (a *Adapter) cancelResponse() Upstream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight {
		a.inFlight = false
		a.cancelling = true
		return a.up
	}
	if a.sess.State() == session.StateProcessing {
		a.pendingCancel = true
	}
	return nil
}

// Close disconnects and marks the adapter unusable. Safe to repeat.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.disconnect()
	return nil
}

func (a *Adapter) disconnect() {
	a.mu.Lock()
	up, cancel, done := a.up, a.cancel, a.loopDone
	a.up, a.cancel, a.loopDone = nil, nil, nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if up != nil {
		_ = up.Close()
	}
	if done != nil {
		<-done
	}
	a.mu.Lock()
	a.inFlight, a.cancelling, a.pendingCancel = false, false, false
	a.mu.Unlock()
}

func (a *Adapter) loop(ctx context.Context, up Upstream, done chan struct{}) {
	defer close(done)
	for {
		ev, err := up.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClientClosed) {
				return
			}
			a.logger.Error("realtime_upstream_lost", "error", err.Error(), "reason_code", errorsx.Reason(err))
			a.recordUpstreamError(err)
			a.send(protocol.Error(protocol.CodeUpstreamError, "upstream connection lost", false))
			a.transition(session.StateIdle, "upstream_lost")
			a.mu.Lock()
			if a.up == up {
				a.up, a.cancel, a.loopDone = nil, nil, nil
			}
			a.mu.Unlock()
			_ = up.Close()
			return
		}
		a.handle(ctx, up, ev)
	}
}

func (a *Adapter) handle(ctx context.Context, up Upstream, ev ServerEvent) {
	switch e := ev.(type) {
	case ErrorEvent:
		if e.Code == cancelNotActive {
			a.logger.Debug("realtime_cancel_not_active", "error", e.Message)
			return
		}
		a.logger.Error("realtime_event_error", "code", e.Code, "kind", e.Kind, "error", e.Message, "reason_code", errorsx.ReasonUpstreamEvent)
		metrics.Record(a.observer, metrics.EventUpstreamError, 1, map[string]string{
			metrics.TagProvider: a.provider,
			metrics.TagReason:   string(errorsx.ReasonUpstreamEvent),
			metrics.TagSession:  a.sess.ID(),
		})
		a.send(protocol.Error(protocol.CodeUpstreamError, e.Message, false))
	case SessionCreated:
		a.logger.Debug("realtime_session_created", "upstream_session_id", e.SessionID)
		a.transition(session.StateIdle, "upstream_ready")
	case SpeechStarted:
		a.handleSpeechStarted(ctx)
	case SpeechStopped:
		a.mu.Lock()
		a.pendingCancel = false
		a.mu.Unlock()
		a.transition(session.StateProcessing, "speech_stopped")
	case TranscriptionCompleted:
		text := strings.TrimSpace(e.Transcript)
		if text == "" {
			return
		}
		a.send(protocol.Transcript(protocol.TranscriptPayload{Text: text, IsFinal: true, Confidence: 1}))
		if err := a.sess.AppendTurn(session.VoiceTurn{Role: session.RoleUser, Content: text}); err != nil {
			a.logger.Debug("realtime_user_turn_skipped", "error", err.Error())
		}
	case ResponseCreated:
		a.mu.Lock()
		if a.pendingCancel {
			a.pendingCancel = false
			a.cancelling = true
			a.mu.Unlock()
			a.logger.Debug("realtime_response_cancelled_on_create", "response_id", e.ResponseID)
			if err := up.Send(ctx, CancelResponse()); err != nil {
				a.logger.Warn("realtime_cancel_failed", "error", err.Error(), "reason_code", errorsx.Reason(err))
			}
			return
		}
		a.cancelling = false
		a.inFlight = true
		a.text.Reset()
		a.seq = 0
		a.responseStart = time.Now()
		a.mu.Unlock()
		a.transition(session.StateSpeaking, "response_started")
		a.send(protocol.ResponseStart())
	case AudioDelta:
		a.handleAudio(e)
	case AudioDone:
		a.logger.Debug("realtime_audio_done", "response_id", e.ResponseID)
	case TextDelta:
		a.handleText(e.Delta)
	case AudioTranscriptDelta:
		a.handleText(e.Delta)
	case FunctionCallArgumentsDone:
		a.handleFunctionCall(ctx, up, e)
	case ResponseDone:
		a.handleResponseDone(e)
	case Ignored:
		a.logger.Debug("realtime_event_ignored", "type", e.Type)
	}
}

// handleSpeechStarted treats user speech over a live or pending response as
// a barge-in: the response is cancelled and the session passes through
// interrupted before listening.
func (a *Adapter) handleSpeechStarted(ctx context.Context) {
	state := a.sess.State()
	if state != session.StateSpeaking && state != session.StateProcessing {
		a.mu.Lock()
		a.text.Reset()
		a.mu.Unlock()
		a.transition(session.StateListening, "speech_started")
		return
	}
	if cancelUp := a.cancelResponse(); cancelUp != nil {
		if err := cancelUp.Send(ctx, CancelResponse()); err != nil {
			a.logger.Warn("realtime_cancel_failed", "error", err.Error(), "reason_code", errorsx.Reason(err))
		}
	}
	a.logger.Info("realtime_barge_in", "from", state.String())
	a.transition(session.StateInterrupted, "barge_in")
	a.transition(session.StateIdle, "barge_in")
	a.transition(session.StateListening, "speech_started")
}

func (a *Adapter) handleAudio(e AudioDelta) {
	raw, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		a.logger.Warn("realtime_audio_decode_failed", "error", err.Error(), "reason_code", errorsx.ReasonAudioDecode)
		return
	}
	// held across the send so no delta slips out after an interrupt
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelling {
		return
	}
	seq := a.seq
	a.seq++
	a.send(protocol.Audio(raw, a.settings.OutputAudioFormat, a.settings.SampleRate, seq))
}

func (a *Adapter) handleText(delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelling {
		return
	}
	a.text.WriteString(delta)
	a.send(protocol.ResponseChunk(delta, a.text.String()))
}

func (a *Adapter) handleResponseDone(e ResponseDone) {
	a.mu.Lock()
	if a.cancelling {
		a.cancelling = false
		a.text.Reset()
		a.mu.Unlock()
		a.logger.Debug("realtime_cancelled_response_done", "response_id", e.ResponseID, "status", e.Status)
		return
	}
	a.inFlight = false
	content := a.text.String()
	a.text.Reset()
	started := a.responseStart
	a.mu.Unlock()

	var in, out int
	turn := session.VoiceTurn{Role: session.RoleAssistant, Content: content}
	if e.Usage != nil {
		in, out = e.Usage.InputTokens, e.Usage.OutputTokens
		turn.Usage = &session.TokenUsage{InputTokens: in, OutputTokens: out}
	}
	if strings.TrimSpace(content) != "" {
		if err := a.sess.AppendTurn(turn); err != nil {
			a.logger.Debug("realtime_assistant_turn_skipped", "error", err.Error())
		}
	}
	a.send(protocol.ResponseEnd(content, in, out))
	a.transition(session.StateIdle, "response_done")
	if !started.IsZero() {
		metrics.RecordFields(a.observer, metrics.EventResponseCompleted, float64(time.Since(started).Milliseconds()), map[string]string{
			metrics.TagPath:     "realtime",
			metrics.TagProvider: a.provider,
			metrics.TagStatus:   responseStatus(e.Status),
			metrics.TagSession:  a.sess.ID(),
		}, map[string]any{"input_tokens": in, "output_tokens": out})
	}
}

func responseStatus(s string) string {
	if s == "" {
		return "completed"
	}
	return s
}

// handleFunctionCall resolves one tool call exactly once.
func (a *Adapter) handleFunctionCall(ctx context.Context, up Upstream, e FunctionCallArgumentsDone) {
	a.mu.Lock()
	if a.cancelling {
		a.mu.Unlock()
		return
	}
	if e.CallID == "" || a.resolved[e.CallID] {
		a.mu.Unlock()
		a.logger.Debug("realtime_tool_call_duplicate", "call_id", e.CallID, "tool_name", e.Name)
		return
	}
	a.resolved[e.CallID] = true
	a.mu.Unlock()

	args, parseErr := tools.ParseArguments(e.Arguments)
	var shown any = args
	if parseErr != nil {
		shown = e.Arguments
	}
	a.send(protocol.ToolCallStart(e.CallID, e.Name, shown))

	if tools.IsBuiltin(e.Name) {
		sources := e.Sources
		if sources == nil {
			sources = []protocol.Source{}
		}
		a.send(protocol.GroundingSources(sources))
		a.send(protocol.ToolCallEnd(e.CallID, e.Name, fmt.Sprintf("%d sources", len(sources)), true, protocol.ExecutedByProvider))
		metrics.Record(a.observer, metrics.EventToolCall, 0, map[string]string{
			metrics.TagTool:       e.Name,
			metrics.TagStatus:     "ok",
			metrics.TagExecutedBy: protocol.ExecutedByProvider,
			metrics.TagSession:    a.sess.ID(),
		})
		return
	}

	var (
		result string
		err    error
	)
	if parseErr != nil {
		err = errorsx.Wrap(parseErr, errorsx.ReasonToolArgs)
	} else {
		result, err = a.executor.Execute(ctx, tools.Call{
			ID:        e.CallID,
			Name:      e.Name,
			Arguments: args,
			SessionID: a.sess.ID(),
			UserID:    a.sess.UserID(),
		})
	}
	text := tools.ResultText(result, err)
	a.send(protocol.ToolCallEnd(e.CallID, e.Name, text, err == nil, protocol.ExecutedByLocal))

	if err := up.Send(ctx, FunctionCallOutput(e.CallID, text)); err != nil {
		a.logger.Warn("realtime_tool_output_failed", "call_id", e.CallID, "tool_name", e.Name, "error", err.Error(), "reason_code", errorsx.Reason(err))
		return
	}
	if err := up.Send(ctx, CreateResponse()); err != nil {
		a.logger.Warn("realtime_response_create_failed", "call_id", e.CallID, "error", err.Error(), "reason_code", errorsx.Reason(err))
	}
}

func (a *Adapter) transition(to session.State, reason string) {
	if err := a.sess.Transition(to, reason); err != nil {
		a.logger.Debug("realtime_transition_rejected", "to", to.String(), "reason", reason, "error", err.Error())
	}
}

func (a *Adapter) send(env protocol.Envelope) {
	if a.sender != nil {
		a.sender.Send(env)
	}
}

func (a *Adapter) recordUpstreamError(err error) {
	metrics.Record(a.observer, metrics.EventUpstreamError, 1, map[string]string{
		metrics.TagProvider: a.provider,
		metrics.TagReason:   string(errorsx.Reason(err)),
		metrics.TagSession:  a.sess.ID(),
	})
}
