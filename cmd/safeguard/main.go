package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/audit"
	"github.com/sakuramed/safeguard/internal/auth"
	"github.com/sakuramed/safeguard/internal/config"
	"github.com/sakuramed/safeguard/internal/gateway"
	"github.com/sakuramed/safeguard/internal/logging"
	"github.com/sakuramed/safeguard/internal/notify"
	"github.com/sakuramed/safeguard/internal/orchestrator"
	"github.com/sakuramed/safeguard/internal/server"
)

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "safeguard.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addrFlag != "" {
		cfg.Server.Addr = *addrFlag
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT secret is not configured",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	store, err := audit.Open(cfg.Audit.Path, cfg.Audit.ChainAnchor)
	if err != nil {
		logger.Fatal("failed to open audit store", zap.Error(err))
	}
	defer store.Close()

	apiKey := os.Getenv(cfg.Gateway.APIKeyEnv)
	gw := gateway.NewOpenAI(cfg.Gateway, apiKey, logger)
	if !gw.Configured() {
		logger.Warn("external gateway not configured; rewrite and judgment features run degraded")
	}

	var notifier *notify.Emitter
	if cfg.Alerts.Enabled {
		var sinks []notify.Sink
		if cfg.Alerts.FilePath != "" {
			sink, err := notify.NewFileSink(cfg.Alerts.FilePath)
			if err != nil {
				logger.Fatal("failed to open alert file sink", zap.Error(err))
			}
			sinks = append(sinks, sink)
		}
		if cfg.Alerts.WebhookURL != "" {
			sink, err := notify.NewWebhookSink(cfg.Alerts.WebhookURL, nil, 0)
			if err != nil {
				logger.Fatal("failed to build alert webhook sink", zap.Error(err))
			}
			sinks = append(sinks, sink)
		}
		if len(sinks) > 0 {
			notifier = notify.NewEmitter(notify.EmitterConfig{
				QueueSize: cfg.Alerts.QueueSize,
				Workers:   cfg.Alerts.Workers,
			}, sinks, logger)
		}
	}

	orch, err := orchestrator.New(cfg, logger, gw, store, notifier)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}

	srv := server.New(cfg, logger, orch, auth.NewVerifier(cfg.Auth.JWTSecret))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
	if notifier != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		notifier.Close(drainCtx)
	}
}
