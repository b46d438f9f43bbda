package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/deadhand/internal/audit"
	"github.com/fentz26/deadhand/internal/clock"
	"github.com/fentz26/deadhand/internal/config"
	"github.com/fentz26/deadhand/internal/controlplane"
	"github.com/fentz26/deadhand/internal/executor"
	"github.com/fentz26/deadhand/internal/executor/localfs"
	"github.com/fentz26/deadhand/internal/logger"
	"github.com/fentz26/deadhand/internal/observability"
	"github.com/fentz26/deadhand/internal/pipeline"
	"github.com/fentz26/deadhand/internal/scheduler"
	"github.com/fentz26/deadhand/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the deadhand daemon",
	Long: `Starts the deadhand daemon: the HTTP API, the trigger scheduler that
evaluates owner liveness, and the execution pipeline that runs due releases.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	log := logger.New(cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)
	log.Info("starting deadhand daemon",
		"version", version,
		"grace_window", cfg.GraceWindow.Std(),
		"poll_interval", cfg.PollInterval.Std(),
		"max_retries", *cfg.MaxRetries,
	)

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	instruments, err := observability.NewInstruments(nil)
	if err != nil {
		return err
	}

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	// Initialize components
	pdr := audit.NewPDRWriter(s)
	registry, err := executor.NewRegistry(localfs.All(cfg.Executors.Root)...)
	if err != nil {
		s.Close()
		return err
	}
	clk := clock.Real()

	sched, err := scheduler.New(s, pdr, clk, &scheduler.Config{
		GraceWindow: cfg.GraceWindow.Std(),
		Interval:    cfg.EvaluateInterval.Std(),
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		s.Close()
		return err
	}
	sched.SetLogger(log)
	sched.SetMetrics(instruments)

	pipe, err := pipeline.New(s, sched, registry, pdr, clk, &pipeline.Config{
		PollInterval: cfg.PollInterval.Std(),
		MaxRetries:   *cfg.MaxRetries,
		ExecTimeout:  cfg.ExecTimeout.Std(),
		Concurrency:  cfg.Concurrency,
	})
	if err != nil {
		s.Close()
		return err
	}
	pipe.SetLogger(log)
	pipe.SetMetrics(instruments)

	// Create service and server
	service := controlplane.NewService(s, pdr, sched)
	server := controlplane.NewServer(service, s, cfg.Listen)
	server.SetLogger(log)
	server.SetMetricsHandler(metricsHandler)
	server.SetWorkers(sched, pipe)

	sched.Start()
	pipe.Start()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", "error", err)
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	log.Info("stopping pipeline and scheduler")
	pipe.Stop()
	sched.Stop()

	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Error("metrics shutdown error", "error", err)
	}

	log.Info("closing database connection")
	if err := s.Close(); err != nil {
		log.Error("database close error", "error", err)
	}

	log.Info("shutdown complete")
	return runErr
}
