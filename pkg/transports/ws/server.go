// Package ws serves voice sessions over websocket connections.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/transports"
)

type Config struct {
	Addr            string   `mapstructure:"addr"`
	WebsocketPath   string   `mapstructure:"ws_path"`
	HealthPath      string   `mapstructure:"health_path"`
	AllowAnyOrigin  bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	ReadBufferSize  int      `mapstructure:"read_buffer_size"`
	WriteBufferSize int      `mapstructure:"write_buffer_size"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws/voice"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 16 * 1024
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 16 * 1024
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Server upgrades requests on the websocket path and hands each connection
// to the session handler.
type Server struct {
	cfg      Config
	handler  transports.Handler
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	server   *http.Server
	logger   *slog.Logger

	baseCtx  context.Context
	cancel   context.CancelFunc
	conns    sync.WaitGroup
	draining atomic.Bool
	stopOnce sync.Once
	stopErr  error
	addr     atomic.Value
}

func New(cfg Config, handler transports.Handler, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		mux:     http.NewServeMux(),
		logger:  logging.NewComponentLogger(logger, "ws_server"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.mux.Handle(cfg.WebsocketPath, s)
	s.mux.HandleFunc(cfg.HealthPath, s.handleHealth)
	return s
}

// Handle mounts an extra route, such as the metrics endpoint.
func (s *Server) Handle(path string, h http.Handler) {
	s.mux.Handle(path, h)
}

func (s *Server) Name() string { return "websocket" }

// Addr returns the bound listen address once Start has returned.
func (s *Server) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return s.cfg.Addr
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.addr.Store(ln.Addr().String())
	s.server = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ws_server_error", "error", err.Error())
		}
	}()
	s.logger.Info("ws_server_listening", "addr", ln.Addr().String(), "path", s.cfg.WebsocketPath)
	return nil
}

// Stop refuses new upgrades, cancels live sessions and waits for them.
// Concurrent callers all wait for the first one to finish.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.draining.Store(true)
		s.cancel()
		if s.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.stopErr = s.server.Shutdown(shutdownCtx)
			cancel()
		}
		s.conns.Wait()
	})
	return s.stopErr
}

// Drain satisfies runner.Drainer.
func (s *Server) Drain() error { return s.Stop() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err.Error(), "remote", r.RemoteAddr)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()

	if err := s.handler.ServeConn(s.baseCtx, conn, r); err != nil && !transports.IsClosed(err) {
		s.logger.Debug("ws_session_ended", "error", err.Error(), "remote", r.RemoteAddr)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
