package voxa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxa/pkg/adapters/tts"
	"github.com/harunnryd/voxa/pkg/bus"
	"github.com/harunnryd/voxa/pkg/emitter"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/observers"
	"github.com/harunnryd/voxa/pkg/orchestrator"
	"github.com/harunnryd/voxa/pkg/pipeline"
	"github.com/harunnryd/voxa/pkg/protocol"
	"github.com/harunnryd/voxa/pkg/realtime"
	"github.com/harunnryd/voxa/pkg/redact"
	"github.com/harunnryd/voxa/pkg/resilience"
	"github.com/harunnryd/voxa/pkg/runner"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/tools"
	"github.com/harunnryd/voxa/pkg/tools/plugins/clock"
	"github.com/harunnryd/voxa/pkg/transcripts"
	"github.com/harunnryd/voxa/pkg/transports/ws"
)

// textOnly disables speech synthesis for pipeline sessions.
const textOnly = "none"

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Plugins are registered after the bundled clock plugin.
	Plugins []tools.Plugin
	Logger  *slog.Logger
}

// Engine owns everything a running server needs.
type Engine struct {
	cfg       Config
	providers *ProviderRegistry
	logger    *slog.Logger

	store     *session.Store
	orch      *orchestrator.Orchestrator
	server    *ws.Server
	registry  *tools.Registry
	executor  *tools.Executor
	realtime  realtime.Settings
	prom      *metrics.PrometheusObserver
	asyncObs  *metrics.AsyncObserver
	timeline  *observers.TimelineObserver
	observer  metrics.Observer
	archive   *transcripts.Store
	asyncSink *transcripts.AsyncSink
	publisher *bus.Publisher

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	cancel    context.CancelFunc
	reapDone  chan struct{}
	drainOnce sync.Once
	drainErr  error
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	if err := providers.Validate(cfg); err != nil {
		return nil, err
	}
	rtSettings, err := realtime.SettingsFromMap(cfg.Realtime.Settings)
	if err != nil {
		return nil, fmt.Errorf("realtime settings: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		providers: providers,
		logger:    logging.NewComponentLogger(logger, "engine"),
		realtime:  rtSettings,
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}

	e.registry = tools.NewRegistry()
	clockPlugin, err := clock.Plugin(nil)
	if err != nil {
		return nil, err
	}
	for _, p := range append([]tools.Plugin{clockPlugin}, opts.Plugins...) {
		if err := e.registry.Register(p); err != nil {
			return nil, fmt.Errorf("register plugin %q: %w", p.Name, err)
		}
	}

	redact.SetEnabled(cfg.Privacy.RedactPII)

	obsList := []metrics.Observer{metrics.NewLogObserver(logger)}
	if cfg.Metrics.Enabled {
		e.prom = metrics.NewPrometheusObserver()
		obsList = append(obsList, e.prom)
	}
	if dir := strings.TrimSpace(cfg.Metrics.TimelineDir); dir != "" {
		retention := time.Duration(cfg.Metrics.TimelineRetentionHours) * time.Hour
		if n, err := observers.PurgeTimelines(dir, retention, time.Now()); err != nil {
			e.logger.Warn("timeline_purge_failed", "dir", dir, "error", err.Error())
		} else if n > 0 {
			e.logger.Info("timeline_purged", "dir", dir, "removed", n)
		}
		e.timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, e.timeline)
	}
	e.asyncObs = metrics.NewAsyncObserver(metrics.NewMultiObserver(obsList...), cfg.Metrics.AsyncBuffer)
	e.observer = e.asyncObs

	sink, err := e.openSinks(ctx, logger)
	if err != nil {
		e.closeSinks()
		e.asyncObs.Close()
		if e.timeline != nil {
			_ = e.timeline.Close()
		}
		return nil, err
	}

	e.executor = tools.NewExecutor(e.registry, tools.ExecutorOptions{
		Timeout:      ms(cfg.Tools.TimeoutMS),
		Retries:      cfg.Tools.Retries,
		RetryBackoff: ms(cfg.Tools.RetryBackoffMS),
		Logger:       logger,
		Observer:     e.observer,
	})

	e.store = session.NewStore(sink, logger)
	var hooks []orchestrator.SessionHook
	if e.publisher != nil {
		hooks = append(hooks, e.publisher)
	}
	e.orch = orchestrator.New(orchestrator.Config{
		Store: e.store,
		Emitter: emitter.Config{
			QueueSize:    cfg.Session.SendBuffer,
			WriteTimeout: ms(cfg.Session.WriteTimeoutMS),
		},
		Realtime: e.realtimePath,
		Pipeline: e.pipelinePath,
		Hooks:    hooks,
		Logger:   logger,
		Observer: e.observer,
	})

	e.server = ws.New(cfg.Server, e.orch.Handler(cfg.SessionDefaults()), logger)
	if e.prom != nil && cfg.MetricsPath != "" {
		e.server.Handle(cfg.MetricsPath, e.prom.Handler())
	}

	e.logger.Info("voxa_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"realtime_provider", cfg.Realtime.Provider,
		"tools", strings.Join(e.registry.Names(), ","),
	)
	return e, nil
}

func (e *Engine) openSinks(ctx context.Context, logger *slog.Logger) (session.TurnSink, error) {
	var sinks transcripts.MultiSink
	if e.cfg.Transcripts.Enabled {
		store, err := transcripts.Open(ctx, e.cfg.Transcripts.Path, logger)
		if err != nil {
			return nil, err
		}
		e.archive = store
		e.asyncSink = transcripts.NewAsyncSink(store, e.cfg.Transcripts.AsyncBuffer, logger)
		sinks = append(sinks, e.asyncSink)
	}
	if e.cfg.Bus.Enabled {
		pub, err := bus.Connect(ctx, bus.Config{
			Servers:        e.cfg.Bus.Servers,
			SubjectPrefix:  e.cfg.Bus.SubjectPrefix,
			ConnectTimeout: ms(e.cfg.Bus.ConnectTimeoutMS),
		}, logger)
		if err != nil {
			return nil, err
		}
		e.publisher = pub
		sinks = append(sinks, pub)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func (e *Engine) closeSinks() {
	if e.asyncSink != nil {
		e.asyncSink.Close()
	}
	if e.archive != nil {
		if err := e.archive.Close(); err != nil {
			e.logger.Warn("transcripts_close_failed", "error", err.Error())
		}
	}
	if e.publisher != nil {
		e.publisher.Close()
	}
}

func (e *Engine) breaker(name string) *resilience.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	cb, ok := e.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(e.cfg.Resilience.CircuitThreshold, ms(e.cfg.Resilience.CircuitCooldownMS))
		e.breakers[name] = cb
	}
	return cb
}

func (e *Engine) retryPolicy() resilience.RetryPolicy {
	return resilience.NewRetryPolicy(e.cfg.Resilience.Retries, ms(e.cfg.Resilience.RetryBackoffMS))
}

func (e *Engine) realtimePath(ctx context.Context, sess *session.Session, sender protocol.Sender) (orchestrator.Path, error) {
	snap := sess.Snapshot()
	family, ok := e.providers.RealtimeFamily(snap.Provider)
	if !ok {
		family, ok = e.providers.RealtimeFamily(e.cfg.Realtime.Provider)
	}
	if !ok {
		return nil, fmt.Errorf("no realtime provider for %q", snap.Provider)
	}
	return realtime.NewAdapter(realtime.Config{
		Session: sess,
		Sender:  sender,
		Dial: realtime.ClientDialer(realtime.DialOptions{
			Family:   family,
			Model:    snap.Model,
			Settings: e.realtime,
			Breaker:  e.breaker("realtime_" + family),
			Retry:    e.retryPolicy(),
		}),
		Settings:   e.realtime,
		Provider:   family,
		BasePrompt: e.cfg.BasePrompt,
		Registry:   e.registry,
		Executor:   e.executor,
		Logger:     e.logger,
		Observer:   e.observer,
	}), nil
}

func (e *Engine) pipelinePath(ctx context.Context, sess *session.Session, sender protocol.Sender) (orchestrator.Path, error) {
	snap := sess.Snapshot()
	vendors := e.cfg.Vendors
	transcriber, err := e.providers.BuildSTT(vendors.STT.Provider, vendors.STT.Settings, snap, e.logger)
	if err != nil {
		return nil, err
	}
	var synth tts.Synthesizer
	if !strings.EqualFold(strings.TrimSpace(vendors.TTS.Provider), textOnly) {
		synth, err = e.providers.BuildTTS(vendors.TTS.Provider, vendors.TTS.Settings, snap, e.logger)
		if err != nil {
			_ = transcriber.Close()
			return nil, err
		}
	}
	adapter, err := e.providers.BuildLLM(vendors.LLM.Provider, vendors.LLM.Settings, snap)
	if err != nil {
		_ = transcriber.Close()
		if synth != nil {
			_ = synth.Close()
		}
		return nil, err
	}
	responder := pipeline.NewLLMResponder(pipeline.LLMResponderConfig{
		Adapter:       adapter,
		BasePrompt:    e.cfg.BasePrompt,
		Registry:      e.registry,
		Executor:      e.executor,
		Breaker:       e.breaker("llm_" + adapter.Name()),
		Retry:         e.retryPolicy(),
		MaxToolRounds: e.cfg.Tools.MaxRounds,
		MaxHistory:    e.cfg.Context.MaxHistory,
		Logger:        e.logger,
	})
	return pipeline.NewPath(pipeline.Config{
		Session:     sess,
		Sender:      sender,
		Transcriber: transcriber,
		Synthesizer: synth,
		Select:      pipeline.Static(responder),
		Provider:    adapter.Name(),
		Logger:      e.logger,
		Observer:    e.observer,
	}), nil
}

// Start binds the server and launches the idle reaper.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := e.server.Start(ctx); err != nil {
		cancel()
		return err
	}
	e.cancel = cancel
	e.reapDone = make(chan struct{})
	go e.reapLoop(ctx, e.reapDone)
	return nil
}

func (e *Engine) reapLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	idle := ms(e.cfg.Session.IdleTimeoutMS)
	interval := ms(e.cfg.Session.ReapIntervalMS)
	if idle <= 0 || interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := e.store.ReapIdle(idle); len(ids) > 0 {
				e.logger.Info("sessions_reaped", "count", len(ids))
			}
		}
	}
}

// Drain stops accepting sessions, ends live ones and flushes the sinks.
func (e *Engine) Drain() error {
	e.drainOnce.Do(func() {
		e.drainErr = e.server.Drain()
		if e.cancel != nil {
			e.cancel()
			<-e.reapDone
		}
		e.store.CloseAll()
		e.closeSinks()
		e.asyncObs.Close()
		if e.timeline != nil {
			if err := e.timeline.Close(); err != nil {
				e.logger.Warn("timeline_close_failed", "error", err.Error())
			}
		}
		e.logger.Info("voxa_drained")
	})
	return e.drainErr
}

// Runner wraps the engine in a lifecycle runner that drains on shutdown.
func (e *Engine) Runner(timeout time.Duration) *runner.LifecycleRunner {
	return runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: func() { e.logger.Info("voxa_running", "addr", e.server.Addr()) },
		OnStop:  func() { e.logger.Info("voxa_stopped") },
	}, timeout)
}

func (e *Engine) Health() error {
	if e.server == nil {
		return errors.New("missing server")
	}
	if e.publisher != nil && !e.publisher.Healthy() {
		return errors.New("bus disconnected")
	}
	return nil
}

func (e *Engine) Addr() string { return e.server.Addr() }
func (e *Engine) Config() Config { return e.cfg }
func (e *Engine) Store() *session.Store { return e.store }
func (e *Engine) Tools() *tools.Registry { return e.registry }
func (e *Engine) Transcripts() *transcripts.Store { return e.archive }
func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }
