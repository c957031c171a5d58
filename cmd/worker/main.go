package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/dispatch-engine/internal/app"
	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/render"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	if _, err := os.Stat(*configPath); err != nil {
		*configPath = ""
	}
	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("worker: load config", "error", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Options{
		Level: cfg.Logging.Level, File: cfg.Logging.File, Console: cfg.Logging.Console, RedactPII: cfg.Logging.RedactPII,
	}); err != nil {
		logger.Error("worker: init logger", "error", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("worker: invalid config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		logger.Error("worker: database.url is required; run the server with -workers for in-memory mode")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var templates render.TemplateSource
	if cfg.Dispatch.TemplatesDir != "" {
		if templates, err = render.LoadDir(cfg.Dispatch.TemplatesDir); err != nil {
			logger.Error("worker: load templates", "error", err)
			os.Exit(1)
		}
	}

	engine, err := app.New(ctx, cfg, templates)
	if err != nil {
		logger.Error("worker: startup failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	logger.Info("worker: running", "worker_id", engine.Queue.WorkerID(), "claim_backend", cfg.Claim.Backend)
	if err := engine.RunWorkers(ctx, cfg.Queue); err != nil {
		logger.Error("worker: stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker: stopped")
}
