package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkflow-ai/taskengine/cmd/taskctl/server"
	"github.com/linkflow-ai/taskengine/internal/platform/config"
	"github.com/linkflow-ai/taskengine/internal/platform/logger"
	"github.com/linkflow-ai/taskengine/internal/platform/telemetry"
	"github.com/linkflow-ai/taskengine/internal/taskengine"
)

func main() {
	cfg, err := config.Load("taskctl")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("starting taskctl", "version", cfg.Version, "port", cfg.HTTP.Port)

	// telemetry.New sets the global otel tracer provider (when tracing is
	// enabled) and (when metrics are enabled) rebinds prometheus.DefaultRegisterer to its own
	// registry, so it must run before NewManager registers the engine's
	// series and before anything calls otel.Tracer.
	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize telemetry: %v", err))
	}
	defer tel.Close()

	mgr := taskengine.NewManager(taskengine.DefaultTunables(), taskengine.WithManagerLogger(log))
	mgr.Start()

	srv := server.New(
		server.WithConfig(cfg),
		server.WithLogger(log),
		server.WithManager(mgr),
		server.WithTelemetry(tel),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	mgr.Shutdown()

	log.Info("taskctl stopped gracefully")
}
