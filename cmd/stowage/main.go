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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/stowage/internal/config"
	"github.com/lsm/stowage/internal/flush"
	"github.com/lsm/stowage/internal/observability"
	"github.com/lsm/stowage/internal/pipeline"
	"github.com/lsm/stowage/internal/tracing"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("stowage", flag.ContinueOnError)
	configPath := fs.String("config", envOr("STOWAGE_CONFIG", config.DefaultPath), "path to the sink definition")
	metricsAddr := fs.String("metrics-addr", envOr("STOWAGE_METRICS_ADDR", ":9090"), "address for /metrics, /healthz, /readyz and POST /drain")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error); defaults to STOWAGE_LOG_LEVEL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := observability.NewLogger("stowage", observability.GetLogLevel(*logLevel))
	slog.SetDefault(logger)

	loader := config.NewLoader(*configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("stowage"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	p, err := pipeline.Build(cfg, metrics, tracer, logger)
	if err != nil {
		return fmt.Errorf("build pipeline %s: %w", cfg.Name, err)
	}

	health := observability.NewHealthServer()
	health.AddCheck("controller", p.CheckController)
	health.AddCheck("store", p.CheckStore)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())
	mux.Handle("POST /drain", p.DrainHandler())

	httpServer := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", *metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loader.OnChange(func(next *config.Config) {
		if config.RestartRequired(cfg, next) {
			logger.Warn("config change requires a restart to take effect; only batch thresholds were applied", "path", *configPath)
		}
		p.SetThresholds(next.Batch.MaxBatchSize, next.Batch.MaxBatchAge)
	})
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	logger.Info("starting sink", "name", cfg.Name, "source", cfg.Source.Type, "driver", cfg.Sink.Driver, "table", cfg.Sink.Table)
	health.SetReady(true)

	pipelineErr := p.Run(ctx)

	health.SetReady(false)
	close(watchDone)

	var fatal *flush.FatalError
	if errors.As(pipelineErr, &fatal) {
		logger.Error("sink halted; batch left unacknowledged for redelivery",
			"name", cfg.Name, "kind", fatal.Kind, "attempts", fatal.Attempts, "events", fatal.Events, "error", fatal.Err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return pipelineErr
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
