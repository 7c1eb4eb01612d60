package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reconciler/internal/api"
	"reconciler/internal/enclave"
	"reconciler/internal/observability"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll on a schedule and serve probes, pass triggers and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), v)
		},
	}
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	stopTracing, err := startTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopTracing()

	c, err := wire(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	scheduler := enclave.NewScheduler(c.driver(metrics), c.detector(metrics), enclave.SchedulerConfig{
		PollInterval:      cfg.PollInterval,
		ErrorScanInterval: cfg.ErrorScanInterval,
		PassTimeout:       cfg.PassTimeout,
	})
	healthChecker := c.healthChecker()

	router := api.NewRouter(api.RouterConfig{
		Passes:        scheduler,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.Server.APIKey,
	})
	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Manual triggers may run for up to PassTimeout.
	writeTimeout := 30 * time.Second
	if cfg.PassTimeout+10*time.Second > writeTimeout {
		writeTimeout = cfg.PassTimeout + 10*time.Second
	}
	apiServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		slog.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	var schedWG sync.WaitGroup
	schedWG.Add(1)
	go func() {
		defer schedWG.Done()
		scheduler.Run(schedCtx)
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down")
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		stopScheduler()
		schedWG.Wait()
		shutdown(5 * time.Second)
		return err
	}

	// Fail readiness first so load balancers stop routing triggers here.
	healthChecker.SetShuttingDown()
	if cfg.Server.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
		time.Sleep(cfg.Server.ShutdownDrainWait)
	}

	// An in-flight pass is cancelled; launched jobs keep running and the next
	// process picks up from the backend's state.
	slog.Info("Stopping scheduled passes")
	stopScheduler()
	schedWG.Wait()

	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	slog.Info("Shutdown complete")
	return nil
}
