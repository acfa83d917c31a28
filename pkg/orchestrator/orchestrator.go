// Package orchestrator binds one client connection to one voice session and
// routes its frames to the session's execution path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/harunnryd/voxa/pkg/emitter"
	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/protocol"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/transports"
)

// Path is an execution path as the orchestrator drives it. The realtime
// adapter and the pipeline path both satisfy it.
type Path interface {
	Start(ctx context.Context) error
	SendAudio(ctx context.Context, chunk []byte) error
	Stop(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Close() error
}

// PathFactory builds the path for a freshly created session. Everything the
// path emits goes through sender.
type PathFactory func(ctx context.Context, sess *session.Session, sender protocol.Sender) (Path, error)

// SessionHook observes session lifecycle. Hooks must not block.
type SessionHook interface {
	SessionStarted(snap session.VoiceSession)
	SessionEnded(snap session.VoiceSession)
}

type Config struct {
	Store    *session.Store
	Emitter  emitter.Config
	Realtime PathFactory
	Pipeline PathFactory
	Hooks    []SessionHook
	Logger   *slog.Logger
	Observer metrics.Observer
}

type Orchestrator struct {
	store    *session.Store
	emitCfg  emitter.Config
	realtime PathFactory
	pipeline PathFactory
	hooks    []SessionHook
	logger   *slog.Logger
	observer metrics.Observer
}

func New(cfg Config) *Orchestrator {
	if cfg.Store == nil {
		cfg.Store = session.NewStore(nil, cfg.Logger)
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Emitter.Logger == nil {
		cfg.Emitter.Logger = cfg.Logger
	}
	if cfg.Emitter.Observer == nil {
		cfg.Emitter.Observer = cfg.Observer
	}
	return &Orchestrator{
		store:    cfg.Store,
		emitCfg:  cfg.Emitter,
		realtime: cfg.Realtime,
		pipeline: cfg.Pipeline,
		hooks:    cfg.Hooks,
		logger:   logging.NewComponentLogger(cfg.Logger, "orchestrator"),
		observer: cfg.Observer,
	}
}

// Store exposes the session store, used by the server for reaping.
func (o *Orchestrator) Store() *session.Store { return o.store }

// Serve runs the session for conn until the client leaves, the transport
// fails or ctx is cancelled.
func (o *Orchestrator) Serve(ctx context.Context, conn transports.Conn, req session.Request) error {
	sess := o.store.Create(req)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.OnClose(cancel)

	em := emitter.New(conn, o.emitCfg)
	c := &connState{
		o:      o,
		sess:   sess,
		em:     em,
		logger: o.logger.With("session_id", sess.ID(), "user_id", sess.UserID()),
		start:  time.Now(),
	}
	defer c.cleanup()

	// cancellation unblocks the read below
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sess.OnStateChange(func(ch session.StateChange) {
		em.Send(protocol.State(ch.To.String(), ch.Reason))
	})
	_ = sess.Transition(session.StateIdle, "connected")
	snap := sess.Snapshot()
	em.Send(protocol.SessionStarted(snap.ID, snap.Provider, snap.Model, snap.VoiceID))

	pathName := "pipeline"
	if snap.Options.Realtime {
		pathName = "realtime"
	}
	c.pathName = pathName
	c.logger.Info("session_started", "path", pathName, "provider", snap.Provider, "model", snap.Model)
	metrics.Record(o.observer, metrics.EventSessionStarted, 1, map[string]string{
		metrics.TagPath:     pathName,
		metrics.TagProvider: snap.Provider,
		metrics.TagSession:  snap.ID,
	})
	for _, h := range o.hooks {
		h.SessionStarted(snap)
	}

	path, err := o.startPath(ctx, sess, em, snap.Options.Realtime)
	if err != nil {
		c.logger.Error("session_start_failed", "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
		em.Send(protocol.Error(protocol.CodeSessionStartFailed, err.Error(), false))
		return err
	}
	c.path = path

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !transports.IsClosed(err) {
				c.logger.Info("session_transport_closed", "error", err.Error())
			}
			return nil
		}
		sess.Touch()
		c.handleFrame(ctx, msgType, data)
	}
}

func (o *Orchestrator) startPath(ctx context.Context, sess *session.Session, sender protocol.Sender, realtime bool) (Path, error) {
	factory, name := o.pipeline, "pipeline"
	if realtime {
		factory, name = o.realtime, "realtime"
	}
	if factory == nil {
		return nil, fmt.Errorf("%s path is not configured", name)
	}
	path, err := factory(ctx, sess, sender)
	if err != nil {
		return nil, err
	}
	if err := path.Start(ctx); err != nil {
		_ = path.Close()
		return nil, err
	}
	return path, nil
}

// connState is what Serve tracks for one connection.
type connState struct {
	o        *Orchestrator
	sess     *session.Session
	em       *emitter.Emitter
	path     Path
	pathName string
	logger   *slog.Logger
	start    time.Time
}

func (c *connState) handleFrame(ctx context.Context, msgType int, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("orchestrator_frame_panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			c.em.Send(protocol.Error(protocol.CodeInternalError, "internal error", true))
		}
	}()

	if msgType == transports.BinaryFrame {
		c.sendAudio(ctx, data)
		return
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.invalid(err)
		return
	}
	switch msg.Type {
	case protocol.ClientAudio:
		c.sendAudio(ctx, msg.Audio)
	case protocol.ClientControl:
		c.control(ctx, msg.Action)
	case protocol.ClientConfig:
		c.logger.Debug("orchestrator_config_ignored", "size_bytes", len(msg.Config))
	}
}

func (c *connState) sendAudio(ctx context.Context, chunk []byte) {
	if err := c.path.SendAudio(ctx, chunk); err != nil {
		c.logger.Warn("orchestrator_audio_forward_failed", "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
	}
}

func (c *connState) control(ctx context.Context, action protocol.ControlAction) {
	var err error
	switch action {
	case protocol.ActionStart:
		err = c.sess.Transition(session.StateIdle, "ready")
	case protocol.ActionStop:
		err = c.path.Stop(ctx)
	case protocol.ActionInterrupt:
		err = c.path.Interrupt(ctx)
	case protocol.ActionPing:
		c.em.Send(protocol.Pong())
	}
	if err != nil {
		c.logger.Warn("orchestrator_control_failed", "action", string(action), "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
	}
}

func (c *connState) invalid(err error) {
	msg := err.Error()
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		msg = de.Message
	}
	c.logger.Warn("orchestrator_invalid_message", "error", msg, "reason_code", string(errorsx.ReasonInvalidMessage))
	metrics.Record(c.o.observer, metrics.EventInvalidMessage, 1, map[string]string{
		metrics.TagPath:    c.pathName,
		metrics.TagSession: c.sess.ID(),
	})
	c.em.Send(protocol.Error(protocol.CodeInvalidMessage, msg, true))
}

func (c *connState) cleanup() {
	if c.path != nil {
		_ = c.path.Close()
	}
	c.em.Close()
	c.o.store.Remove(c.sess.ID())
	snap := c.sess.Snapshot()
	for _, h := range c.o.hooks {
		h.SessionEnded(snap)
	}
	dur := time.Since(c.start)
	c.logger.Info("session_ended", "duration_ms", dur.Milliseconds())
	metrics.Record(c.o.observer, metrics.EventSessionEnded, float64(dur.Milliseconds()), map[string]string{
		metrics.TagPath:    c.pathName,
		metrics.TagSession: c.sess.ID(),
	})
}
