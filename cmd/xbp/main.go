package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/xylex-group/xbp-monitoring/pkg/alert"
	"github.com/xylex-group/xbp-monitoring/pkg/api"
	"github.com/xylex-group/xbp-monitoring/pkg/config"
	"github.com/xylex-group/xbp-monitoring/pkg/runner"
	"github.com/xylex-group/xbp-monitoring/pkg/scheduler"
	"github.com/xylex-group/xbp-monitoring/pkg/store"
	"github.com/xylex-group/xbp-monitoring/pkg/telemetry"
	"github.com/xylex-group/xbp-monitoring/pkg/version"
)

const (
	defaultConfigFile = "xbp.yaml"
	legacyConfigFile  = "xbp.yml"
	listenAddr        = ":3000"
)

func main() {
	configFile := flag.String("file", defaultConfigFile, "path to the monitor configuration file")
	flag.Parse()

	setupLogging()

	file := *configFile
	if file == defaultConfigFile {
		if _, err := os.Stat(file); os.IsNotExist(err) {
			if _, err := os.Stat(legacyConfigFile); err == nil {
				file = legacyConfigFile
			}
		}
	}
	if strings.HasSuffix(file, ".yml") {
		slog.Warn("the .yml config extension is deprecated, rename to .yaml", "file", file)
	}

	slog.Info("🔍 starting xbp-monitoring", "version", version.Version, "file", file)

	ctx := context.Background()

	tel, err := telemetry.Setup(ctx)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	loader := func(ctx context.Context) (*config.Config, error) {
		return config.Load(ctx, file, nil)
	}
	cfg, err := loader(ctx)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	var journal *alert.Journal
	if path := os.Getenv(alert.JournalPathEnv); path != "" {
		journal, err = alert.OpenJournal(path)
		if err != nil {
			slog.Error("failed to open alert journal", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = journal.Close()
		}()
	}

	metrics, err := telemetry.NewMetrics(otel.Meter(version.ServiceName))
	if err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	resultStore := store.New()
	dispatcher := alert.NewDispatcher(nil, journal)
	engine := runner.New(resultStore, metrics, dispatcher)
	sched := scheduler.New(engine)
	coord := scheduler.NewCoordinator(sched, resultStore, loader)
	coord.Activate(cfg)

	server := &http.Server{
		Addr:           listenAddr,
		Handler:        api.New(coord, resultStore, engine, journal, tel.PrometheusActive).Handler(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	bindErr := make(chan error, 1)
	go func() {
		slog.Info("🚀 control plane listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			bindErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-bindErr:
		slog.Error("control plane failed", "error", err)
		sched.Stop()
		os.Exit(1)
	case sig := <-quit:
		slog.Info("🛑 shutting down", "signal", fmt.Sprint(sig))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("control plane forced to shut down", "error", err)
	}
	sched.Stop()
	dispatcher.Wait()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}
	slog.Info("✅ shutdown complete")
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("XBP_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
