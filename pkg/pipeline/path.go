package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxa/pkg/adapters/stt"
	"github.com/harunnryd/voxa/pkg/adapters/tts"
	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/protocol"
	"github.com/harunnryd/voxa/pkg/session"
)

var ErrPathClosed = errors.New("pipeline path closed")

type Config struct {
	Session     *session.Session
	Sender      protocol.Sender
	Transcriber stt.Transcriber
	// Synthesizer may be nil for text-only sessions.
	Synthesizer tts.Synthesizer
	Select      ResponderSelector
	Provider    string
	Logger      *slog.Logger
	Observer    metrics.Observer
}

// Path is the pipeline session path. At most one response runs at a time.
type Path struct {
	sess     *session.Session
	sender   protocol.Sender
	tr       stt.Transcriber
	synth    tts.Synthesizer
	selector ResponderSelector
	provider string
	logger   *slog.Logger
	observer metrics.Observer

	mu       sync.Mutex
	ctx      context.Context
	active   *run
	started  bool
	closed   bool
	pumpDone chan struct{}
	closeMu  sync.Once
}

func NewPath(cfg Config) *Path {
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	logger := logging.NewComponentLogger(cfg.Logger, "pipeline")
	if cfg.Session != nil {
		logger = logger.With("session_id", cfg.Session.ID(), "user_id", cfg.Session.UserID())
	}
	return &Path{
		sess:     cfg.Session,
		sender:   cfg.Sender,
		tr:       cfg.Transcriber,
		synth:    cfg.Synthesizer,
		selector: cfg.Select,
		provider: cfg.Provider,
		logger:   logger,
		observer: cfg.Observer,
	}
}

func (p *Path) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPathClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.ctx = ctx
	p.pumpDone = make(chan struct{})
	done := p.pumpDone
	p.mu.Unlock()

	if p.tr == nil || p.selector == nil {
		close(done)
		return errors.New("pipeline needs a transcriber and a responder")
	}
	if err := p.tr.Start(ctx); err != nil {
		close(done)
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	go p.pump(ctx, done)
	return nil
}

func (p *Path) SendAudio(ctx context.Context, chunk []byte) error {
	if len(chunk) > protocol.MaxAudioChunkBytes {
		p.logger.Warn("pipeline_audio_chunk_dropped", "size_bytes", len(chunk), "limit_bytes", protocol.MaxAudioChunkBytes)
		metrics.Record(p.observer, metrics.EventAudioChunkDropped, float64(len(chunk)), map[string]string{
			metrics.TagPath:    "pipeline",
			metrics.TagSession: p.sess.ID(),
		})
		return nil
	}
	if len(chunk) == 0 {
		return nil
	}
	p.mu.Lock()
	ready := p.started && !p.closed
	p.mu.Unlock()
	if !ready {
		return nil
	}
	if err := p.tr.SendAudio(chunk); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

// Stop ends the current utterance so the transcriber finalizes it.
func (p *Path) Stop(ctx context.Context) error {
	p.mu.Lock()
	ready := p.started && !p.closed
	p.mu.Unlock()
	if !ready {
		return nil
	}
	return p.tr.Finish()
}

// Interrupt cancels the in-flight response, if any, and moves an active
// session through interrupted to idle.
func (p *Path) Interrupt(ctx context.Context) error {
	if !p.cancelActive() && !p.sess.State().Active() {
		return nil
	}
	p.transition(session.StateInterrupted, "client_interrupt")
	p.transition(session.StateIdle, "interrupt_complete")
	return nil
}

func (p *Path) Close() error {
	p.closeMu.Do(func() {
		p.mu.Lock()
		p.closed = true
		done := p.pumpDone
		p.mu.Unlock()
		p.cancelActive()
		if p.tr != nil {
			_ = p.tr.Close()
		}
		if p.synth != nil {
			_ = p.synth.Close()
		}
		if done != nil {
			<-done
		}
	})
	return nil
}

// cancelActive stops the running response and waits for it. It reports
// whether one was running.
func (p *Path) cancelActive() bool {
	p.mu.Lock()
	r := p.active
	p.mu.Unlock()
	if r == nil {
		return false
	}
	r.stop()
	<-r.done
	return true
}

func (p *Path) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := p.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Path) handle(ctx context.Context, ev stt.Event) {
	switch ev.Kind {
	case stt.EventSpeechStarted:
		p.transition(session.StateListening, "speech_started")
	case stt.EventSpeechEnded:
		p.transition(session.StateProcessing, "speech_ended")
	case stt.EventTranscript:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		p.send(protocol.Transcript(protocol.TranscriptPayload{
			Text:       text,
			IsFinal:    ev.IsFinal,
			Confidence: ev.Confidence,
			Start:      ev.Start,
			End:        ev.End,
		}))
		if !ev.IsFinal {
			return
		}
		// barge-in: a new utterance replaces the running response
		if p.cancelActive() {
			p.transition(session.StateInterrupted, "barge_in")
			p.transition(session.StateIdle, "barge_in")
		}
		conf := ev.Confidence
		if err := p.sess.AppendTurn(session.VoiceTurn{Role: session.RoleUser, Content: text, Confidence: &conf}); err != nil {
			p.logger.Debug("pipeline_user_turn_skipped", "error", err.Error())
		}
		p.transition(session.StateProcessing, "transcript_final")
		p.startResponse(ctx, text)
	case stt.EventError:
		msg := "transcription failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
			p.logger.Warn("pipeline_transcription_error", "error", msg, "reason_code", errorsx.Reason(ev.Err))
		}
		p.send(protocol.Error(protocol.CodeTranscriptionFailed, msg, true))
		p.mu.Lock()
		busy := p.active != nil
		p.mu.Unlock()
		if !busy {
			p.transition(session.StateIdle, "transcription_failed")
		}
	}
}

func (p *Path) startResponse(ctx context.Context, transcript string) {
	rctx, cancel := context.WithCancel(ctx)
	r := &run{path: p, ctx: rctx, cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	p.active = r
	p.mu.Unlock()
	go p.respond(r, transcript)
}

func (p *Path) respond(r *run, transcript string) {
	defer func() {
		p.mu.Lock()
		if p.active == r {
			p.active = nil
		}
		p.mu.Unlock()
		r.cancel()
		close(r.done)
	}()
	ctx := r.ctx
	start := time.Now()
	snap := p.sess.Snapshot()

	r.send(protocol.ResponseStart())

	responder, err := p.selector(snap)
	if err != nil {
		r.fail(err, start)
		return
	}

	text := make(chan string, 64)
	synthDone := make(chan error, 1)
	if p.synth != nil {
		format := p.synth.Format()
		go func() {
			seq := 0
			synthDone <- p.synth.Speak(ctx, text, func(b []byte) {
				r.send(protocol.Audio(b, format.Encoding, format.SampleRate, seq))
				seq++
			})
		}()
	} else {
		go func() {
			for range text {
			}
			synthDone <- nil
		}()
	}

	rep := &runReporter{run: r, text: text}
	reply, err := responder.Respond(ctx, Request{Session: snap, Transcript: transcript}, rep)
	close(text)
	synthErr := <-synthDone

	if ctx.Err() != nil {
		return
	}
	if err == nil && synthErr != nil {
		err = synthErr
	}
	if err != nil {
		r.fail(err, start)
		return
	}

	content := reply.Text
	if strings.TrimSpace(content) == "" {
		content = rep.full.String()
	}
	turn := session.VoiceTurn{Role: session.RoleAssistant, Content: content, Usage: reply.Usage}
	if strings.TrimSpace(content) != "" {
		if err := p.sess.AppendTurn(turn); err != nil {
			p.logger.Debug("pipeline_assistant_turn_skipped", "error", err.Error())
		}
	}
	var in, out int
	if reply.Usage != nil {
		in, out = reply.Usage.InputTokens, reply.Usage.OutputTokens
	}
	r.send(protocol.ResponseEnd(content, in, out))
	r.transition(session.StateIdle, "response_done")
	metrics.RecordFields(p.observer, metrics.EventResponseCompleted, float64(time.Since(start).Milliseconds()), map[string]string{
		metrics.TagPath:     "pipeline",
		metrics.TagProvider: p.provider,
		metrics.TagStatus:   "completed",
		metrics.TagSession:  p.sess.ID(),
	}, map[string]any{"input_tokens": in, "output_tokens": out})
}

func (p *Path) transition(to session.State, reason string) {
	if err := p.sess.Transition(to, reason); err != nil {
		p.logger.Debug("pipeline_transition_rejected", "to", to.String(), "reason", reason, "error", err.Error())
	}
}

func (p *Path) send(env protocol.Envelope) {
	if p.sender != nil {
		p.sender.Send(env)
	}
}

// run is one response. Once stopped nothing more is emitted for it.
type run struct {
	path   *Path
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (r *run) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
}

func (r *run) send(env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.path.send(env)
}

func (r *run) transition(to session.State, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.path.transition(to, reason)
}

func (r *run) fail(err error, start time.Time) {
	if r.ctx.Err() != nil {
		return
	}
	p := r.path
	p.logger.Warn("pipeline_response_failed", "error", err.Error(), "reason_code", errorsx.Reason(err))
	r.send(protocol.Error(protocol.CodeResponseFailed, err.Error(), true))
	r.transition(session.StateIdle, "response_failed")
	metrics.Record(p.observer, metrics.EventResponseCompleted, float64(time.Since(start).Milliseconds()), map[string]string{
		metrics.TagPath:     "pipeline",
		metrics.TagProvider: p.provider,
		metrics.TagStatus:   "failed",
		metrics.TagReason:   string(errorsx.Reason(err)),
		metrics.TagSession:  p.sess.ID(),
	})
}

type runReporter struct {
	run   *run
	text  chan<- string
	full  strings.Builder
	first sync.Once
}

func (rr *runReporter) Chunk(text string) {
	if text == "" {
		return
	}
	rr.first.Do(func() { rr.run.transition(session.StateSpeaking, "first_chunk") })
	rr.full.WriteString(text)
	rr.run.send(protocol.ResponseChunk(text, rr.full.String()))
	select {
	case rr.text <- text:
	case <-rr.run.ctx.Done():
	}
}

func (rr *runReporter) ToolStart(id, name string, args any) {
	rr.run.send(protocol.ToolCallStart(id, name, args))
}

func (rr *runReporter) ToolEnd(id, name, result string, success bool) {
	rr.run.send(protocol.ToolCallEnd(id, name, result, success, protocol.ExecutedByLocal))
}

func (rr *runReporter) ContextRetrieval(query string, sources []protocol.Source) {
	rr.run.send(protocol.ContextRetrieval(query, sources))
}

func (rr *runReporter) AgentStatus(status, detail string) {
	rr.run.send(protocol.AgentStatus(status, detail))
}

func (rr *runReporter) ThinkingStep(index int, text string) {
	rr.run.send(protocol.ThinkingStep(index, text))
}
