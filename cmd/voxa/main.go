package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/voxa"
)

func main() {
	configPath := flag.String("config", "configs/voxa.example.yaml", "path to the config file")
	drainTimeout := flag.Duration("drain_timeout", 15*time.Second, "how long shutdown waits for live sessions")
	flag.Parse()

	cfg, err := voxa.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}
	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := voxa.NewEngine(ctx, voxa.EngineOptions{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("engine_init_failed", "error", err.Error())
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Error("engine_start_failed", "error", err.Error())
		_ = engine.Drain()
		os.Exit(1)
	}

	if err := engine.Runner(*drainTimeout).Run(ctx); err != nil {
		logger.Error("shutdown_failed", "error", err.Error())
		os.Exit(1)
	}
}
