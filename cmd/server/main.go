package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/dispatch-engine/internal/api"
	"github.com/ignite/dispatch-engine/internal/app"
	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/render"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	embedded := flag.Bool("workers", false, "also run the send workers in this process")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("server: load config", "error", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Options{
		Level: cfg.Logging.Level, File: cfg.Logging.File, Console: cfg.Logging.Console, RedactPII: cfg.Logging.RedactPII,
	}); err != nil {
		logger.Error("server: init logger", "error", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("server: invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var templates render.TemplateSource
	if cfg.Dispatch.TemplatesDir != "" {
		if templates, err = render.LoadDir(cfg.Dispatch.TemplatesDir); err != nil {
			logger.Error("server: load templates", "error", err)
			os.Exit(1)
		}
	}

	engine, err := app.New(ctx, cfg, templates)
	if err != nil {
		logger.Error("server: startup failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	handlers := api.NewHandlers(api.Deps{
		Queue:     engine.Queue,
		Providers: engine.Registry,
		Resolver:  engine.Resolver,
		Limiter:   engine.Limiter,
		Blacklist: engine.Blacklist,
	})
	router := api.SetupRoutes(handlers, api.NewHealthChecker(engine.DB, engine.Redis), cfg.Server.AllowedOrigins)
	srv := api.NewServer(cfg.Server, router)

	// The in-memory store cannot be shared with a separate worker process.
	if *embedded || engine.DB == nil {
		go func() {
			if err := engine.RunWorkers(ctx, cfg.Queue); err != nil {
				logger.Error("server: workers stopped", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("server: listening", "addr", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server: listen failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server: shutdown", "error", err)
	}
	logger.Info("server: stopped")
}

// loadConfig reads path when it exists and falls back to defaults plus
// environment overrides otherwise.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return config.LoadFromEnv(path)
}
