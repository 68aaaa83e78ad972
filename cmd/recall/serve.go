package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/recall/internal/api"
	"github.com/onnwee/recall/internal/config"
	"github.com/onnwee/recall/internal/engine"
	"github.com/onnwee/recall/internal/health"
	"github.com/onnwee/recall/internal/jobs"
	"github.com/onnwee/recall/internal/middleware"
	"github.com/onnwee/recall/internal/tracing"
)

const (
	serviceName     = "recall"
	shutdownTimeout = 10 * time.Second
)

func serveCmd(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(ctx, cfg, logger, ln)
}

// serve runs the API on ln until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: !cfg.IsProduction(),
	})
	if err != nil {
		ln.Close()
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engineMetrics := engine.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, r := range []interface {
		Register(prometheus.Registerer) error
	}{engineMetrics, jobMetrics, httpMetrics} {
		if err := r.Register(reg); err != nil {
			ln.Close()
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer b.Close()

	e, err := newEngine(cfg, b, logger, engineMetrics, jobMetrics)
	if err != nil {
		ln.Close()
		return err
	}
	defer e.Close()

	if err := e.Initialize(ctx); err != nil {
		// the engine serves an empty snapshot; the refresh job retries
		logger.Warn("initial history load failed", "error", err)
	}

	refreshJob := engine.NewRefreshJob(engine.RefreshJobConfig{
		Interval:   cfg.RefreshInterval,
		Logger:     logger,
		JobMetrics: jobMetrics,
	}, e)
	if e.PageCount() == 0 {
		refreshJob.MarkDirty()
	}
	refreshJob.Start(ctx)
	defer refreshJob.Stop()

	healthCfg := api.HealthHandlersConfig{
		EngineChecker: health.NewEngineChecker(e),
		DBChecker:     health.NewDBChecker(b.store.DB()),
	}
	if b.redis != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(b.redis)
	}

	mux := http.NewServeMux()
	api.NewRecallHandlers(api.RecallHandlersConfig{
		Engine:    e,
		Scheduler: refreshJob,
		Logger:    logger,
	}).Register(mux)
	mux.Handle("/rank/ws", api.NewRankStreamHandlers(api.RankStreamConfig{
		Engine:         e,
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        httpMetrics,
		Logger:         logger,
	}))
	api.NewHealthHandlers(healthCfg).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, r.Context(), http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
	})

	server := &http.Server{
		Handler:           newHandler(cfg, logger, httpMetrics, mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String())
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := e.Flush(shutdownCtx); err != nil {
		logger.Warn("pending weights not written", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// newHandler applies the middleware chain:
// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> mux.
func newHandler(cfg *config.Config, logger *slog.Logger, metrics *middleware.Metrics, mux http.Handler) http.Handler {
	h := middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxAge:         600,
	})(mux)
	h = middleware.HTTPMetrics(metrics)(h)
	h = middleware.Logging(logger)(h)
	if cfg.TracingEnabled {
		h = middleware.Tracing(serviceName)(h)
	}
	return middleware.RequestID(h)
}
